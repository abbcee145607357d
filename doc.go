// Package relaycore implements a client-side message synchronization
// and delivery engine for chat applications.
//
// The engine guarantees at-least-once delivery of outgoing messages and
// at-most-once visible receipt of incoming ones over a transport that
// can disconnect at any time. Outgoing messages are persisted in a
// durable outbox until the relay acknowledges them; on reconnect the
// outbox is replayed in creation order. Inbound events are deduplicated
// against a durable ledger and surfaced as exactly one typed
// notification each.
//
// Example:
//
//	store := storage.NewMemory()
//	relay := transport.NewLoopback()
//	files := transfer.NewMemoryAdapter()
//
//	engine := relaycore.New(relaycore.NewOptions(), store, relay, files)
//	if _, err := engine.Init("my-app", "my-secret", nil); err != nil {
//	    log.Fatal(err)
//	}
//
//	events := engine.Subscribe()
//	go func() {
//	    for n := range events {
//	        fmt.Println(n.Type, n.ConversationID)
//	    }
//	}()
//
//	msg, _ := engine.SendText("hello", false, "user42", nil, "")
//	fmt.Println("queued", msg.ID)
package relaycore
