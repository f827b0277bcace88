// Package viz renders coupled runs in the terminal.
//
//   - [Watch]: a Bubble Tea view that steps a manager live
//   - [Canvas]: Braille canvas for field profiles along the shared axis
//   - [Chart]: asciigraph line charts of energy, drift and residuals
//
// # Key Bindings
//
//	Space - Pause/Resume stepping
//	N     - Take a single step
//	S     - Cycle coupling strategy
//	F     - Cycle displayed field
//	T     - Cycle color themes
//	?     - Show help overlay
package viz
