// Package ingress exposes the engine's add/enqueue surface over a
// newline-delimited JSON protocol on a Unix domain socket, the transport a
// browser-extension native-messaging host or a local helper process
// speaks without linking against the engine directly.
package ingress

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"

	"tachyon-engine/internal/security"
)

// Adder is the engine's half of the contract.
type Adder interface {
	Add(ctx context.Context, req AddRequest) (Added, error)
}

// Queuer enqueues an already-added download.
type Queuer interface {
	Enqueue(id, priority string)
}

// AddRequest is the wire shape of one ingress frame.
type AddRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Referrer string `json:"referrer,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
	Mime     string `json:"mime,omitempty"`
}

// Added is the minimal result the bridge needs to answer a frame.
type Added struct {
	ID       string
	Filename string
}

type response struct {
	Success  bool   `json:"success"`
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Bridge serves the ingress protocol on a single Unix domain socket.
type Bridge struct {
	socketPath string
	adder      Adder
	queuer     Queuer
	audit      *security.AuditLogger
	logger     *slog.Logger
}

func New(socketPath string, adder Adder, queuer Queuer, audit *security.AuditLogger, logger *slog.Logger) *Bridge {
	return &Bridge{socketPath: socketPath, adder: adder, queuer: queuer, audit: audit, logger: logger}
}

// Serve listens on the bridge's socket until ctx is cancelled. The socket
// file is removed first so a stale one from a prior crashed run doesn't
// block bind.
func (b *Bridge) Serve(ctx context.Context) error {
	os.Remove(b.socketPath)

	listener, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return err
	}
	defer listener.Close()
	defer os.Remove(b.socketPath)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				b.logger.Error("ingress accept failed", "error", err)
				continue
			}
		}
		go b.handleConn(ctx, conn)
	}
}

func (b *Bridge) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req AddRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			b.audit.Log("unix-socket", "", "ingress:add", 400, "malformed frame")
			enc.Encode(response{Success: false, Error: "malformed request"})
			continue
		}

		added, err := b.adder.Add(ctx, req)
		if err != nil {
			b.audit.Log("unix-socket", "", "ingress:add", 500, err.Error())
			enc.Encode(response{Success: false, Error: err.Error()})
			continue
		}

		b.queuer.Enqueue(added.ID, "normal")
		b.audit.Log("unix-socket", "", "ingress:add", 200, added.ID)
		enc.Encode(response{Success: true, ID: added.ID, Filename: added.Filename})
	}
}
