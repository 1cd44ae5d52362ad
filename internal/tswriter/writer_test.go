package tswriter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writerTestConfig() PacingConfig {
	cfg := DefaultConfig()
	cfg.CircBufSize = 4
	cfg.PacketsPerItem = 1
	cfg.ParentWaitMs = 1
	cfg.ChildWaitMs = 1
	cfg.ParentGiveUpAfter = 1000
	cfg.UsePCRs = false
	cfg.ByteRate = 50_000_000 // fast enough that the test doesn't sit on real sleeps
	cfg.MaxNoWait = -1
	return cfg
}

func TestTsWriter_endToEndFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ts")
	cfg := writerTestConfig()

	w, err := NewWriter(cfg, OpenOptions{Kind: SinkFile, Path: path}, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w.StartBuffering(ctx)

	const n = 10
	for i := 0; i < n; i++ {
		if err := w.WritePacket(ctx, syncPacket(byte(i)), 0x100, false, 0); err != nil {
			t.Fatalf("WritePacket #%d: %v", i, err)
		}
	}

	if err := w.WriteEOF(ctx); err != nil {
		t.Fatalf("WriteEOF: %v", err)
	}

	if cerr := w.ConsumerError(); cerr != nil {
		t.Fatalf("consumer error: %v", cerr)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != n*TSPacketSize {
		t.Fatalf("output length = %d, want %d", len(got), n*TSPacketSize)
	}
	for i := 0; i < n; i++ {
		if got[i*TSPacketSize] != TSSyncByte {
			t.Fatalf("packet %d missing sync byte", i)
		}
	}
}

func TestTsWriter_rejectsInvalidPacingConfig(t *testing.T) {
	cfg := writerTestConfig()
	cfg.ByteRate = -1
	if _, err := NewWriter(cfg, OpenOptions{Kind: SinkStdout}, nil); err == nil {
		t.Fatal("expected error for invalid pacing config")
	}
}

func TestTsWriter_closeIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ts")
	cfg := writerTestConfig()
	w, err := NewWriter(cfg, OpenOptions{Kind: SinkFile, Path: path}, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

func TestTsWriter_commandsChannelIsWired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ts")
	cfg := writerTestConfig()
	w, err := NewWriter(cfg, OpenOptions{Kind: SinkFile, Path: path}, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Fill the ring to capacity first so the pacer's startup gate
	// (awaitFull) clears and it reaches the command-polling part of its loop.
	for i := 0; i < cfg.CircBufSize; i++ {
		if err := w.WritePacket(ctx, syncPacket(byte(i)), 0x100, false, 0); err != nil {
			t.Fatalf("WritePacket #%d: %v", i, err)
		}
	}

	w.StartBuffering(ctx)
	w.Commands().FeedQuit()

	select {
	case <-w.consumerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("expected pacer to exit once fed CommandQuit")
	}
}
