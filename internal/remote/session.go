package remote

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"go.uber.org/multierr"
)

const copyChunk = 256 * 1024

// Session is one SFTP conversation. It owns every handle it was built from
// and releases them in reverse order on Close.
type Session struct {
	client  *sftp.Client
	closers []io.Closer
}

func NewSession(client *sftp.Client, owned ...io.Closer) *Session {
	closers := append(append([]io.Closer(nil), owned...), client)
	return &Session{client: client, closers: closers}
}

// Dial opens an SFTP session over a fresh SSH connection.
func Dial(ctx context.Context, c *SSHClient) (*Session, error) {
	conn, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}
	return NewSession(client, conn), nil
}

func (s *Session) Stat(path string) (os.FileInfo, error) {
	return s.client.Stat(path)
}

func (s *Session) ReadFile(path string) ([]byte, error) {
	f, err := s.client.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Download copies remotePath into dst, calling progress after each chunk.
// It stops between chunks when ctx ends.
func (s *Session) Download(ctx context.Context, remotePath string, dst io.Writer, progress func(written int64)) (int64, error) {
	src, err := s.client.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open remote file: %w", err)
	}
	defer src.Close()

	buf := make([]byte, copyChunk)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("failed to write local file: %w", err)
			}
			written += int64(n)
			if progress != nil {
				progress(written)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("failed to read remote file: %w", readErr)
		}
	}
}

func (s *Session) Close() error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i].Close())
	}
	s.closers = nil
	return err
}
