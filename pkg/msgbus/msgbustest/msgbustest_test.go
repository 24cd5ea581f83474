package msgbustest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/Huddly/sdk-sub000/pkg/msgbus"
)

func TestDeviceFileTransfers(t *testing.T) {
	d := New()
	var got []byte
	d.ServeUpload("hcp/write", func(_ msgbus.Message, data []byte) { got = data })
	d.ServeDownload("hcp/read", func(msgbus.Message) []byte { return got })
	e := msgbus.New(d, msgbus.WithTimeout(time.Second))
	defer e.Close()

	want := bytes.Repeat([]byte("0123456789abcdef"), ChunkSize/8)
	ctx := context.Background()
	if _, err := e.FileTransfer(ctx, msgbus.Command{Name: "hcp/write"}, want); err != nil {
		t.Fatalf("upload: %v", err)
	}
	back, err := e.FileTransfer(ctx, msgbus.Command{Name: "hcp/read"}, nil)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !bytes.Equal(back, want) {
		t.Errorf("round trip through device lost data: %d bytes in, %d out", len(want), len(back))
	}
	if s := d.Subscribed(); len(s) != 0 {
		t.Errorf("still subscribed to %v", s)
	}
	if n := len(d.Sent("hcp/write")); n != 1 {
		t.Errorf("hcp/write sent %d times", n)
	}
}

func TestDeviceReply(t *testing.T) {
	d := New()
	d.Reply("camctrl/ping", map[string]any{"status": 0})
	e := msgbus.New(d)
	defer e.Close()

	r, err := e.SendAndReceive(context.Background(), nil, "camctrl/ping", "camctrl/ping_reply", 0)
	if err != nil {
		t.Fatalf("SendAndReceive: %v", err)
	}
	m, err := r.Map()
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if n, _ := msgbus.Number[int](m["status"]); n != 0 {
		t.Errorf("status = %v", m["status"])
	}
}
