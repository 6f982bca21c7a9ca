// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package push

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultTimeout bounds each wait for a peer message.
const DefaultTimeout = 15 * time.Second

func writeMessage(conn *websocket.Conn, msgType uint8, payload map[int]interface{}) error {
	data, err := EncodeMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", TypeName(msgType), err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", TypeName(msgType), err)
	}
	return nil
}

// readMessage returns the next binary message, skipping any others.
func readMessage(conn *websocket.Conn, timeout time.Duration) (Message, error) {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Message{}, err
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return Message{}, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return ParseMessage(data)
	}
}

func abortMessage(reason string) map[int]interface{} {
	return map[int]interface{}{KeyReason: reason}
}

func abortReason(m Message) string {
	if reason, ok := m.Text(KeyReason); ok {
		return reason
	}
	return "no reason given"
}
