package main

import (
	"context"
	"log"
)

// RunTestBot connects a virtual client over the real socket, registers
// under name, and echoes every text message straight back to its sender.
// Useful for exercising a deployment without a second human.
func RunTestBot(ctx context.Context, socketPath, name string) {
	c, err := DialChatty(socketPath)
	if err != nil {
		log.Printf("[testbot] %v", err)
		return
	}

	// Unblock the read loop when the server shuts down.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	if err := SendRequest(c, &Message{Op: OpRegister, Sender: name}); err != nil {
		log.Printf("[testbot] register: %v", err)
		return
	}
	op, _, err := ReadHeader(c)
	if err != nil {
		log.Printf("[testbot] register reply: %v", err)
		return
	}
	if op != OpOK {
		log.Printf("[testbot] register %q refused: %v", name, op)
		return
	}
	if _, err := ReadData(c); err != nil { // the online-user list
		log.Printf("[testbot] register reply data: %v", err)
		return
	}
	log.Printf("[testbot] %q online", name)

	for {
		var sender string
		op, sender, err = ReadHeader(c)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[testbot] read: %v", err)
			}
			return
		}
		switch op {
		case OpOK:
			// Header-only ack of a previous echo.
		case OpTxtMessage:
			data, err := ReadData(c)
			if err != nil {
				log.Printf("[testbot] read data: %v", err)
				return
			}
			if sender == name {
				continue // our own broadcast copy
			}
			echo := &Message{Op: OpPostTxt, Sender: name, Receiver: sender, Payload: data.Payload}
			if err := SendRequest(c, echo); err != nil {
				log.Printf("[testbot] echo to %q: %v", sender, err)
				return
			}
		case OpFileMessage:
			if _, err := ReadData(c); err != nil {
				log.Printf("[testbot] read data: %v", err)
				return
			}
		default:
			log.Printf("[testbot] ignoring op %v", op)
		}
	}
}
