package msgbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/Huddly/sdk-sub000/pkg/queue"
)

// Topics of the chunked file transfer sub-protocol.
const (
	TopicFileData         = "async_file_transfer/data"
	TopicFileDataReply    = "async_file_transfer/data_reply"
	TopicFileReceive      = "async_file_transfer/receive"
	TopicFileReceiveReply = "async_file_transfer/receive_reply"
	TopicFileDone         = "async_file_transfer/done"
	TopicFileTimeout      = "async_file_transfer/timeout"
)

// FileTransfer runs a chunked bulk transfer started by cmd. The device may
// push chunks (which are collected and returned) and may pull chunks of
// upload by asking for a length. The transfer ends when the device publishes
// on the done topic. cmd.ReplyTopic is not used.
func (e *Engine) FileTransfer(ctx context.Context, cmd Command, upload []byte) ([]byte, error) {
	return queue.Do(ctx, e.serial, func(ctx context.Context) ([]byte, error) {
		return e.fileTransfer(ctx, cmd, upload)
	})
}

type transferState struct {
	mu       sync.Mutex
	download []byte
	offset   int
	upload   []byte

	done   chan []byte
	failed chan error
}

func (s *transferState) fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

// next returns the next n bytes of the upload buffer.
func (s *transferState) next(n uint32) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.offset + int(n)
	if end > len(s.upload) || end < s.offset {
		end = len(s.upload)
	}
	chunk := s.upload[s.offset:end]
	s.offset = end
	return chunk
}

func (e *Engine) fileTransfer(parent context.Context, cmd Command, upload []byte) (data []byte, err error) {
	timeout := e.timeoutFor(cmd)
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	e.t.ClearBuffers()
	cleanup, err := e.subscribeAll(ctx, TopicFileData, TopicFileReceive, TopicFileDone, TopicFileTimeout)
	if err != nil {
		return nil, timeoutOr(parent, err, cmd, TopicFileDone, timeout)
	}
	defer func() {
		err = finish(err, cleanup())
	}()

	s := &transferState{
		upload: upload,
		done:   make(chan []byte, 1),
		failed: make(chan error, 1),
	}
	e.t.On(TopicFileData, func(m Message) {
		s.mu.Lock()
		s.download = append(s.download, m.Payload...)
		s.mu.Unlock()
		if err := e.t.Send(ctx, TopicFileDataReply, nil); err != nil {
			s.fail(fmt.Errorf("acknowledge chunk: %w", err))
		}
	})
	e.t.On(TopicFileReceive, func(m Message) {
		if len(m.Payload) < 4 {
			s.fail(fmt.Errorf("chunk request of %d bytes has no length prefix", len(m.Payload)))
			return
		}
		chunk := s.next(binary.LittleEndian.Uint32(m.Payload))
		glog.V(2).Infof("Device pulled %d bytes", len(chunk))
		if err := e.t.Send(ctx, TopicFileReceiveReply, chunk); err != nil {
			s.fail(fmt.Errorf("send chunk: %w", err))
		}
	})
	e.t.On(TopicFileDone, func(Message) {
		s.mu.Lock()
		out := s.download
		s.mu.Unlock()
		select {
		case s.done <- out:
		default:
		}
	})
	e.t.On(TopicFileTimeout, func(m Message) {
		s.fail(fmt.Errorf("%s: %w: %s", cmd.Name, ErrTransferAborted, m.Payload))
	})

	sendC := make(chan error, 1)
	go func() {
		sendC <- e.t.Send(ctx, cmd.Name, cmd.Payload)
	}()

	for {
		select {
		case serr := <-sendC:
			if serr != nil {
				return nil, fmt.Errorf("send %s: %w", cmd.Name, timeoutOr(parent, serr, cmd, TopicFileDone, timeout))
			}
			sendC = nil
		case out := <-s.done:
			return out, nil
		case err := <-s.failed:
			return nil, err
		case <-ctx.Done():
			return nil, timeoutOr(parent, ctx.Err(), cmd, TopicFileDone, timeout)
		}
	}
}
