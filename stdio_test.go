package apps_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-apps"
)

// startStdIO wires a StdIO transport to in-memory pipes and returns the
// session plus the host side of the pipes: write JSON lines to in, read the
// session's output from out.
func startStdIO(t *testing.T) (apps.Session, *io.PipeWriter, *io.PipeReader) {
	t.Helper()

	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()

	transport := apps.NewStdIO(stdinReader, stdoutWriter)

	sessions := make(chan apps.Session, 1)
	go func() {
		for sess := range transport.Sessions() {
			sessions <- sess
		}
	}()

	var sess apps.Session
	select {
	case sess = <-sessions:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stdio session")
	}
	return sess, stdinWriter, stdoutReader
}

func TestStdIO_MessageFlow(t *testing.T) {
	sess, stdin, stdout := startStdIO(t)
	t.Cleanup(sess.Stop)

	received := make(chan apps.JSONRPCMessage, 2)
	go func() {
		for msg := range sess.Messages() {
			received <- msg
		}
	}()

	// Host writes newline-delimited requests on stdin.
	requests := []string{
		`{"jsonrpc":"2.0","id":"1","method":"ping"}`,
		`{"jsonrpc":"2.0","id":"2","method":"tools/list"}`,
	}
	go func() {
		for _, line := range requests {
			fmt.Fprintln(stdin, line)
		}
	}()

	wantMethods := []string{"ping", apps.MethodToolsList}
	for _, want := range wantMethods {
		select {
		case msg := <-received:
			if msg.Method != want {
				t.Errorf("received method %q, want %q", msg.Method, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	// Session writes newline-delimited responses on stdout.
	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		if scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sess.Send(ctx, apps.JSONRPCMessage{
		JSONRPC: apps.JSONRPCVersion,
		ID:      apps.MustString("1"),
		Result:  json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("failed to send response: %v", err)
	}

	select {
	case line := <-lines:
		var msg apps.JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("failed to unmarshal output line: %v", err)
		}
		if msg.ID != apps.MustString("1") {
			t.Errorf("output ID = %q, want %q", msg.ID, "1")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for output line")
	}
}

func TestStdIO_SendContextCancellation(t *testing.T) {
	sess, _, stdout := startStdIO(t)
	t.Cleanup(sess.Stop)
	// Closing the pipe unblocks the stalled write so Stop can drain; cleanups
	// run last registered first.
	t.Cleanup(func() { stdout.Close() })

	go func() {
		for range sess.Messages() {
		}
	}()

	// Nothing reads the stdout pipe, so the write blocks and the context
	// deadline has to unblock the sender.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := sess.Send(ctx, apps.JSONRPCMessage{
		JSONRPC: apps.JSONRPCVersion,
		Method:  "notifications/test",
	})
	if err == nil {
		t.Fatal("expected context cancellation error, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestStdIO_LargeMessagePayload(t *testing.T) {
	sess, stdin, _ := startStdIO(t)
	t.Cleanup(sess.Stop)

	received := make(chan apps.JSONRPCMessage, 1)
	go func() {
		for msg := range sess.Messages() {
			received <- msg
			return
		}
	}()

	// A 1 MiB params payload exceeds bufio.Scanner's default token size, so
	// the reader must not be scanner-based.
	payload := generateRandomJSON(1024 * 1024)
	msgBs, err := json.Marshal(apps.JSONRPCMessage{
		JSONRPC: apps.JSONRPCVersion,
		ID:      apps.MustString("1"),
		Method:  "largePayload",
		Params:  payload,
	})
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}
	go func() {
		stdin.Write(append(msgBs, '\n'))
	}()

	select {
	case msg := <-received:
		if msg.Method != "largePayload" {
			t.Errorf("method = %q, want %q", msg.Method, "largePayload")
		}
		if len(msg.Params) != len(payload) {
			t.Errorf("params length = %d, want %d", len(msg.Params), len(payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for large message")
	}
}

func TestStdIO_ShutdownAfterEOF(t *testing.T) {
	stdinReader, stdinWriter := io.Pipe()
	_, stdoutWriter := io.Pipe()

	transport := apps.NewStdIO(stdinReader, stdoutWriter)

	sessions := make(chan apps.Session, 1)
	go func() {
		for sess := range transport.Sessions() {
			sessions <- sess
			go func(sess apps.Session) {
				// Drain until EOF ends the iterator, then release the session.
				for range sess.Messages() {
				}
				sess.Stop()
			}(sess)
		}
	}()

	select {
	case <-sessions:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stdio session")
	}

	// Closing stdin signals EOF, which drains through to Shutdown.
	stdinWriter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() after EOF = %v, want nil", err)
	}
}

// generateRandomJSON builds a JSON object of roughly the requested size.
func generateRandomJSON(size int) json.RawMessage {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	value := make([]byte, size)
	for i := range value {
		value[i] = letters[rand.Intn(len(letters))]
	}
	obj := map[string]string{"data": string(value)}
	bs, _ := json.Marshal(obj)
	return bs
}
