/*
Package process defines the handle used to start a single OS process and read its output stream.

A Handle produces a Stream when started. The Stream is an opaque token: callers read from it and pass it back
into the same Handle's IsRunning and Stop methods, but never inspect or close it directly.
Liveness is an explicit flag maintained by the handle as reads observe end-of-data, rather than a probe of the raw descriptor.
*/
package process
