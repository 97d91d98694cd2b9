// Package amp provides a process-wide accessor over a [loop.Driver], the
// primary import surface for programs that want a single ambient event
// loop rather than threading a *loop.Driver through every call site.
//
// [Set] installs the driver; [Get] retrieves it. Every other exported
// function in this package is a thin passthrough to the currently
// installed driver's corresponding method, failing with [ErrNoDriver]
// when none is installed. A default driver is installed automatically
// the first time it's needed, mirroring the teacher's lazy singleton
// pattern; [Set](nil) clears it so subsequent passthroughs fail until a
// new one is installed.
package amp
