/*
Package stream provides a server and client for following the output of a supervised process over a WebSocket.

Each WebSocket connection owns one process. The server starts it under a supervisor on the shared readiness loop
and relays the supervisor's events as JSON frames; if the connection dies first, the process is stopped.

The protocol is one-way, server to client:

1. The client opens a WebSocket connection for a named stream.
2. The server starts the process and sends a frame with Started=true and the supervisor ID.
3. The server sends one frame per output chunk, in the order the chunks were read.
4. When the output ends and the process has been reclaimed, the server sends a frame with Exited=true and the ExitCode,
   then closes the connection normally.

If the process cannot be started, the server sends a single frame with Err set and closes with an internal error status.
*/
package stream
