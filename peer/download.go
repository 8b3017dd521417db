package peer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"flotilla"
	"flotilla/wire"
)

// Download fetches name from another holder in chunks and returns the path
// of the completed file in the download directory. A failed transfer leaves
// no partial file behind.
func (p *Peer) Download(ctx context.Context, name string) (string, error) {
	if _, err := cleanFileName(name); err != nil {
		return "", err
	}
	holders, err := p.Search(ctx, name)
	if err != nil {
		return "", err
	}
	source, err := p.pickSource(holders)
	if err != nil {
		return "", fmt.Errorf("download %q: %w", name, err)
	}

	sizeReply, err := p.transport.FileSize(ctx, source.Endpoint, wire.FileSizeArgs{Name: name})
	if err != nil {
		return "", fmt.Errorf("download %q from %s: %w", name, source.Endpoint, err)
	}
	if sizeReply.Size < 0 {
		return "", fmt.Errorf("download %q: %s no longer holds it", name, source.PeerID)
	}

	if err := os.MkdirAll(p.cfg.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	final := filepath.Join(p.cfg.DownloadDir, name)
	partial := final + ".part"

	if err := p.fetchInto(ctx, source.Endpoint, name, sizeReply.Size, partial); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("download %q from %s: %w", name, source.Endpoint, err)
	}
	if err := os.Rename(partial, final); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("finalize download %q: %w", name, err)
	}
	p.log.Info("download complete", "file", name, "bytes", sizeReply.Size, "from", source.PeerID)
	return final, nil
}

// pickSource chooses the first holder that is not this peer itself.
func (p *Peer) pickSource(holders []flotilla.Holder) (flotilla.Holder, error) {
	for _, h := range holders {
		if h.Endpoint != p.endpoint {
			return h, nil
		}
	}
	return flotilla.Holder{}, fmt.Errorf("no other peer holds the file")
}

func (p *Peer) fetchInto(ctx context.Context, endpoint, name string, size int64, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create partial file: %w", err)
	}
	defer f.Close()

	chunk := p.cfg.ChunkSize
	for offset := int64(0); offset < size; {
		reply, err := p.transport.FetchChunk(ctx, endpoint, wire.FileChunkArgs{
			Name:   name,
			Offset: offset,
			Size:   chunk,
		})
		if err != nil {
			return err
		}
		// A nil chunk means the holder lost the file mid-transfer.
		if len(reply.Data) == 0 {
			return fmt.Errorf("source stopped serving at offset %d", offset)
		}
		if _, err := f.Write(reply.Data); err != nil {
			return fmt.Errorf("write partial file: %w", err)
		}
		offset += int64(len(reply.Data))
	}
	return f.Close()
}

// Chunk serving, called by the RPC layer off the loop. Reads go straight to
// the share directory; a miss means the local set drifted, so a rescan is
// queued to resync the tracker's view.

func (p *Peer) serveChunk(args wire.FileChunkArgs) wire.FileChunkReply {
	data, err := readChunk(p.cfg.ShareDir, args.Name, args.Offset, args.Size)
	if err != nil {
		if err == ErrNoSuchFile {
			p.post(evRescanTick{})
		} else {
			p.log.Debug("chunk read failed", "file", args.Name, "err", err)
		}
		return wire.FileChunkReply{Data: nil}
	}
	return wire.FileChunkReply{Data: data}
}

func (p *Peer) serveFileSize(args wire.FileSizeArgs) wire.FileSizeReply {
	size, err := sharedFileSize(p.cfg.ShareDir, args.Name)
	if err != nil {
		if err == ErrNoSuchFile {
			p.post(evRescanTick{})
		}
		return wire.FileSizeReply{Size: -1}
	}
	return wire.FileSizeReply{Size: size}
}
