/*
Package stream provides a client and server for the streaming session transport. A client starts one session over a WebSocket connection, sends it lines of input, and receives its output as it is produced.

Sessions are scoped to the WebSocket connection--that is, if the connection dies for any reason, the session is stopped. A client that wants to come back later should use the polling HTTP endpoints instead.

There are two kinds of messages in this protocol: "client" messages are sent client->server, and "server" messages are sent server->client. The schema for these messages is described in types.go.

The protocol proceeds as follows:

1. The client opens a WebSocket connection with the server
2. The client sends a "start" message naming the application to run.
3. The server replies with "session-started" carrying the session id, or with "error" if the session could not be started.
4. The client sends "input" messages, each of which is acknowledged with "delivered" unless the session terminated right after receiving it.
5. The server sends an "output" message per chunk of stdout or stderr, in the order the process produced them.
6. When the session ends, for whatever reason, the server sends exactly one "terminated" message and closes the connection.

"error" messages are advisory and never end the session by themselves.

A client that stops reading for longer than the write timeout has its connection closed, which stops its session.
*/
package stream
