// Package ws is the server side of the dashboard's real-time feed.
//
// A Registry tracks each upgraded connection with its channel subscriptions
// and last liveness response. A Broadcaster serializes an event once and
// queues it on every open connection subscribed to the event's channel;
// connections that cannot accept the frame are closed and removed during
// the same call. Server wires both to HTTP: the /ws upgrade, the read loop
// handling subscribe, unsubscribe, ping and request_data frames, and the
// REST snapshot endpoints.
package ws
