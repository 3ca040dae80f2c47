package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/copyerr"
)

// genRows builds n data rows "i,value_i\n" preceded by header lines.
func genRows(header, n int) string {
	var sb strings.Builder
	for i := 0; i < header; i++ {
		fmt.Fprintf(&sb, "header_%d\n", i)
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "%d,value_%d\n", i, i)
	}
	return sb.String()
}

func collect(t *testing.T, input string, opts Options) []Batch {
	t.Helper()
	out := make(chan Batch, 1024)
	if _, err := Scan(context.Background(), strings.NewReader(input), out, opts); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	close(out)

	var batches []Batch
	for b := range out {
		batches = append(batches, b)
	}
	return batches
}

func totalRows(batches []Batch) int64 {
	var n int64
	for _, b := range batches {
		n += int64(b.Rows)
	}
	return n
}

func TestScanBatchCounts(t *testing.T) {
	tests := []struct {
		name        string
		rows        int
		size        int
		wantBatches int
		wantLast    int
	}{
		{"evenly divisible", 100, 25, 4, 25},
		{"remainder", 101, 25, 5, 1},
		{"single partial batch", 3, 5000, 1, 3},
		{"batch of one", 7, 1, 7, 1},
		{"empty input", 0, 10, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := collect(t, genRows(0, tt.rows), Options{Size: tt.size})

			if len(batches) != tt.wantBatches {
				t.Fatalf("got %d batches, want %d", len(batches), tt.wantBatches)
			}
			if tt.wantBatches == 0 {
				return
			}
			for i, b := range batches[:len(batches)-1] {
				if b.Rows != tt.size {
					t.Errorf("batch %d has %d rows, want %d", i, b.Rows, tt.size)
				}
			}
			if last := batches[len(batches)-1]; last.Rows != tt.wantLast {
				t.Errorf("last batch has %d rows, want %d", last.Rows, tt.wantLast)
			}
			if got := totalRows(batches); got != int64(tt.rows) {
				t.Errorf("total rows = %d, want %d", got, tt.rows)
			}
		})
	}
}

func TestScanSequenceNumbers(t *testing.T) {
	batches := collect(t, genRows(0, 10), Options{Size: 3})
	for i, b := range batches {
		if b.Seq != int64(i+1) {
			t.Errorf("batch %d has Seq %d, want %d", i, b.Seq, i+1)
		}
	}
}

func TestScanHeaderSkip(t *testing.T) {
	// 3 header lines + 10,000 rows at 2500 per batch -> 4 full batches.
	batches := collect(t, genRows(3, 10000), Options{Size: 2500, Skip: 3})

	if len(batches) != 4 {
		t.Fatalf("got %d batches, want 4", len(batches))
	}
	for _, b := range batches {
		if b.Rows != 2500 {
			t.Errorf("batch %d has %d rows, want 2500", b.Seq, b.Rows)
		}
	}
	if first := string(batches[0].Data[0]); first != "0,value_0\n" {
		t.Errorf("first row = %q, header was not skipped", first)
	}
}

func TestScanSkipMoreThanInput(t *testing.T) {
	batches := collect(t, "a\nb\n", Options{Size: 10, Skip: 5})
	if len(batches) != 0 {
		t.Errorf("got %d batches, want 0", len(batches))
	}
}

func TestScanLimit(t *testing.T) {
	tests := []struct {
		name        string
		rows        int
		size        int
		limit       int64
		wantRows    int64
		wantBatches int
	}{
		{"limit below batch size", 100, 50, 10, 10, 1},
		{"limit not divisible", 100, 30, 70, 70, 3},
		{"limit on boundary", 100, 25, 50, 50, 2},
		{"limit beyond input", 20, 8, 1000, 20, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := collect(t, genRows(1, tt.rows), Options{Size: tt.size, Skip: 1, Limit: tt.limit})
			if got := totalRows(batches); got != tt.wantRows {
				t.Errorf("total rows = %d, want %d", got, tt.wantRows)
			}
			if len(batches) != tt.wantBatches {
				t.Errorf("got %d batches, want %d", len(batches), tt.wantBatches)
			}
		})
	}
}

func TestScanQuotedFields(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		quote    byte
		escape   byte
		wantRows []string
	}{
		{
			name:     "embedded delimiter",
			input:    "1,\"a,b\"\n2,c\n",
			quote:    '"',
			wantRows: []string{"1,\"a,b\"\n", "2,c\n"},
		},
		{
			name:     "embedded newline",
			input:    "1,\"line one\nline two\"\n2,x\n",
			quote:    '"',
			wantRows: []string{"1,\"line one\nline two\"\n", "2,x\n"},
		},
		{
			name:     "doubled quote stays inside field",
			input:    "1,\"say \"\"hi\nthere\"\"\"\n2,y\n",
			quote:    '"',
			wantRows: []string{"1,\"say \"\"hi\nthere\"\"\"\n", "2,y\n"},
		},
		{
			name:     "backslash escaped quote",
			input:    "1,\"a\\\"\nb\"\n2,z\n",
			quote:    '"',
			escape:   '\\',
			wantRows: []string{"1,\"a\\\"\nb\"\n", "2,z\n"},
		},
		{
			name:     "text format splits on every newline",
			input:    "1,\"a\nb\"\n",
			wantRows: []string{"1,\"a\n", "b\"\n"},
		},
		{
			name:     "single quote character",
			input:    "1,'x\ny'\n",
			quote:    '\'',
			wantRows: []string{"1,'x\ny'\n"},
		},
		{
			name:     "final line without newline",
			input:    "1,a\n2,b",
			quote:    '"',
			wantRows: []string{"1,a\n", "2,b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := collect(t, tt.input, Options{Size: 100, Quote: tt.quote, Escape: tt.escape})
			var got []string
			for _, b := range batches {
				for _, row := range b.Data {
					got = append(got, string(row))
				}
			}
			if len(got) != len(tt.wantRows) {
				t.Fatalf("got rows %q, want %q", got, tt.wantRows)
			}
			for i := range got {
				if got[i] != tt.wantRows[i] {
					t.Errorf("row %d = %q, want %q", i, got[i], tt.wantRows[i])
				}
			}
		})
	}
}

func TestScanUnterminatedQuote(t *testing.T) {
	out := make(chan Batch, 10)
	_, err := Scan(context.Background(), strings.NewReader("1,ok\n2,\"never closed\n3,x\n"), out, Options{Size: 10, Quote: '"'})
	if err == nil {
		t.Fatal("expected error for unterminated quoted field")
	}
	if !copyerr.IsKind(err, copyerr.IO) {
		t.Errorf("expected IOError, got %v", err)
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error should name the starting line: %v", err)
	}
}

func TestScanLongLines(t *testing.T) {
	long := strings.Repeat("x", readBufferSize*2+17)
	input := "1," + long + "\n2,short\n"

	batches := collect(t, input, Options{Size: 10})
	if len(batches) != 1 || batches[0].Rows != 2 {
		t.Fatalf("expected one batch of 2 rows, got %+v", batches)
	}
	if got := len(batches[0].Data[0]); got != len(long)+3 {
		t.Errorf("long row length = %d, want %d", got, len(long)+3)
	}
}

func TestScanRowsAreIndependentCopies(t *testing.T) {
	batches := collect(t, genRows(0, 5), Options{Size: 5})
	first := batches[0].Data[0]
	second := batches[0].Data[1]
	first[0] = 'X'
	if second[0] == 'X' {
		t.Error("rows share backing storage")
	}
	if !bytes.Equal(second, []byte("1,value_1\n")) {
		t.Errorf("second row corrupted: %q", second)
	}
}

func TestScanCancelledWhileBlocked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Batch) // unbuffered, nobody reading

	done := make(chan error, 1)
	go func() {
		_, err := Scan(ctx, strings.NewReader(genRows(0, 100)), out, Options{Size: 10})
		done <- err
	}()

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Scan() error = %v, want context.Canceled", err)
	}
}

func TestBatcherInvalidOptions(t *testing.T) {
	if _, err := NewBatcher(strings.NewReader(""), Options{Size: 0}); err == nil {
		t.Error("expected error for zero batch size")
	}
	if _, err := NewBatcher(strings.NewReader(""), Options{Size: 1, Limit: -1}); err == nil {
		t.Error("expected error for negative limit")
	}
}

func TestBatcherNextAfterEOF(t *testing.T) {
	b, err := NewBatcher(strings.NewReader("a\n"), Options{Size: 10})
	if err != nil {
		t.Fatal(err)
	}
	first, err := b.Next()
	if err != nil {
		t.Fatalf("first Next() error: %v", err)
	}
	if first.Rows != 1 {
		t.Errorf("first batch Rows = %d, want 1", first.Rows)
	}
	for i := 0; i < 2; i++ {
		if _, err := b.Next(); !errors.Is(err, io.EOF) {
			t.Errorf("Next() after end = %v, want io.EOF", err)
		}
	}
}

func TestBatchBytes(t *testing.T) {
	b := Batch{Data: [][]byte{[]byte("ab\n"), []byte("cde\n")}}
	if got := b.Bytes(); got != 7 {
		t.Errorf("Bytes() = %d, want 7", got)
	}
}
