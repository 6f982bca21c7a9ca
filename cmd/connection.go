// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/Thermoquad/tachlink/pkg/push"
	"github.com/Thermoquad/tachlink/pkg/transport"
)

// Tap is a read-only byte stream observed from the link, either a serial tap
// or a WebSocket bridge forwarding raw line bytes.
type Tap interface {
	io.Reader
	io.Closer
}

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocketTap reads binary WebSocket messages as a byte stream
type WebSocketTap struct {
	conn      *websocket.Conn
	buf       []byte
	bufOffset int
	closed    bool
}

func (w *WebSocketTap) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}

	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, ErrConnectionClosed
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		w.buf = data
		w.bufOffset = 0
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *WebSocketTap) Close() error {
	return w.conn.Close()
}

// OpenWebSocketTap opens a WebSocket bridge with HTTP Basic auth
func OpenWebSocketTap(wsURL, username, password string, skipSSLVerify bool) (*WebSocketTap, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), push.DefaultTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return &WebSocketTap{conn: conn}, nil
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv("TACHLINK_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// credentials returns the Basic auth pair selected by the flags.
func credentials() (string, string, error) {
	if wsUsername == "" {
		return "", "", nil
	}
	password, err := GetPassword()
	if err != nil {
		return "", "", err
	}
	return wsUsername, password, nil
}

// OpenTap opens either a serial or WebSocket tap based on flags
func OpenTap() (Tap, string, error) {
	if wsURL != "" {
		username, password, err := credentials()
		if err != nil {
			return nil, "", err
		}
		tap, err := OpenWebSocketTap(wsURL, username, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return tap, fmt.Sprintf("WebSocket: %s", wsURL), nil
	}

	if portName != "" {
		port, err := transport.OpenSerialPort(portName, baudRate)
		if err != nil {
			return nil, "", err
		}
		return port, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}

	return nil, "", fmt.Errorf("either --port or --url must be specified")
}

// OpenLinkPort opens the serial port a node runs the link on.
func OpenLinkPort() (serial.Port, string, error) {
	if portName == "" {
		return nil, "", fmt.Errorf("--port must be specified")
	}
	port, err := transport.OpenSerialPort(portName, baudRate)
	if err != nil {
		return nil, "", err
	}
	return port, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
}

// ResolveDevice returns the push endpoint from --url, or browses mDNS for one.
func ResolveDevice(ctx context.Context, timeout time.Duration) (string, error) {
	if wsURL != "" {
		return wsURL, nil
	}

	fmt.Printf("Browsing %s for %s...\n", push.ServiceType, timeout)
	devices, err := push.Discover(ctx, timeout)
	if err != nil {
		return "", err
	}
	if len(devices) > 1 {
		fmt.Printf("Found %d devices, using %s (pass --url to choose)\n", len(devices), devices[0].Instance)
	}
	return devices[0].URL(), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
