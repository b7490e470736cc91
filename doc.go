// Package faultkit provides functionality for monitoring the memory of
// Linux processes and injecting memory faults into them.
//
// APIs are separated into subpackages, and documented accordingly.
//
// For scripting convenience, "OrExit" functions and methods are provided.
// Any errors encountered by these functions are treated as fatal. In such
// cases, an exit handler function is invoked.
package faultkit
