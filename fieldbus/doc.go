// Package fieldbus is the protocol-neutral engine of go-fieldbus.
//
// A Connection owns one transport byte stream to a field device and runs it with four
// kinds of goroutines, all managed by a TaskManager:
//   - the reactor, which owns every piece of mutable session state (ConversationContext,
//     TransactionManager, ProtocolLogic) and receives work exclusively as posted commands;
//   - the sender, which writes serialized frames to the transport in order;
//   - the receiver, which frames inbound bytes through the protocol's FrameCodec and posts
//     parsed messages to the reactor;
//   - a bounded worker pool that runs subscription consumers and off-loaded decoding.
//
// Protocol bindings implement Driver and ProtocolLogic. A ProtocolLogic expresses its
// request/response exchanges through ConversationContext:
//
//	fieldbus.Expect[*Reply](cc.SendRequest(req)).
//		Check(func(r *Reply) bool { return r.ID == req.ID }).
//		OnTimeout(done.Fail).
//		OnError(done.Fail).
//		Handle(func(r *Reply) { done.Succeed(decode(r)) })
//
// Callers obtain connections from a caller-owned Pool, or build one with NewConnection.
// Read, Write and Subscribe return a Future resolved exactly once; address errors and
// not-ready errors are returned synchronously before any request exists.
package fieldbus
