// Package typing debounces keystrokes into typing indicators.
//
// The relay on the server is stateless and at-most-once, so a dropped
// "stopped typing" signal could leave a stale indicator forever. The
// producer prevents that: every burst that emits true is followed by
// false once the quiet window passes without input.
package typing
