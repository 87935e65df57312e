package vault

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"
)

// Server speaks the framed vault protocol over a listener. In an
// enclave deployment the listener is a vsock channel; for local runs it
// is plain TCP. The protocol is identical on both.
type Server struct {
	vault *Vault
	ln    net.Listener
}

// NewServer wraps a vault behind a listener.
func NewServer(v *Vault, ln net.Listener) *Server {
	return &Server{vault: v, ln: ln}
}

// Serve accepts connections until the context is cancelled or the
// listener closes. Each connection handles a stream of framed requests.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("vault frame read failed", "err", err)
			}
			return
		}
		resp := s.handle(&req)
		if err := WriteFrame(conn, resp); err != nil {
			slog.Warn("vault frame write failed", "err", err)
			return
		}
	}
}

// handle processes one request. Every response carries a correlation
// id: the caller's, or a generated one.
func (s *Server) handle(req *Request) *Response {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	switch req.Action {
	case "store_key":
		if err := s.vault.Store(req.KeyID, req.Secret); err != nil {
			return &Response{ID: id, Error: err.Error()}
		}
		addr, _ := s.vault.Address(req.KeyID)
		slog.Info("vault key stored", "key_id", req.KeyID, "address", addr)
		return &Response{OK: true, ID: id, KeyID: req.KeyID, Address: addr}

	case "sign_eth":
		sig, err := s.vault.SignNativeTransaction(req.KeyID, req.Tx, req.Spend)
		if err != nil {
			return signError(id, err)
		}
		return &Response{OK: true, ID: id, Signature: sig}

	case "sign_typed":
		if req.TypedData == nil {
			return &Response{ID: id, Error: "missing typed_data"}
		}
		sig, err := s.vault.SignTypedData(req.KeyID, *req.TypedData)
		if err != nil {
			return signError(id, err)
		}
		return &Response{OK: true, ID: id, Signature: sig}

	case "list_keys":
		ids := s.vault.KeyIDs()
		return &Response{OK: true, ID: id, Keys: len(ids), KeyIDs: ids}

	case "health":
		return &Response{OK: true, ID: id, Status: "vault_running", Keys: len(s.vault.KeyIDs())}

	default:
		return &Response{ID: id, Error: "unknown action: " + req.Action}
	}
}

func signError(id string, err error) *Response {
	var enforce *EnforcementError
	if errors.As(err, &enforce) {
		slog.Warn("vault signing refused",
			"code", enforce.Verdict.Code, "engine", enforce.Verdict.Engine)
		return &Response{ID: id, Error: err.Error(), Blocked: true}
	}
	return &Response{ID: id, Error: err.Error()}
}
