package services

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/atamanahmet/beamlink/agent/identity"
	"github.com/atamanahmet/beamlink/agent/utils"
	"github.com/atamanahmet/beamlink/protocol"
)

// Uploader sends files to peers. The receiving side owns the transfer log
// entry; the sender only reports the outcome.
type Uploader struct {
	identity *identity.Manager
	peers    *PeerCache
	client   *http.Client
}

// NewUploader creates a new uploader
func NewUploader(identityMgr *identity.Manager, peers *PeerCache) *Uploader {
	return &Uploader{
		identity: identityMgr,
		peers:    peers,
		client:   &http.Client{Timeout: 10 * time.Minute},
	}
}

// SendFile streams a local file to the named peer. The preflight check
// rejects the transfer before any bytes move when the receiver is short on
// disk.
func (u *Uploader) SendFile(ctx context.Context, peerName, path string) error {
	peer, err := u.findPeer(ctx, peerName)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	filename := filepath.Base(path)

	if !utils.IsReachable(peer.IPAddress, strconv.Itoa(peer.Port)) {
		return fmt.Errorf("peer %s is not reachable at %s:%d", peer.Name, peer.IPAddress, peer.Port)
	}

	base := fmt.Sprintf("http://%s:%d", peer.IPAddress, peer.Port)
	if err := u.preflight(ctx, base, peer.PublicToken, filename, info.Size()); err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if err := u.upload(ctx, base, peer, filename, file); err != nil {
		return err
	}

	log.Printf("sent %s (%d bytes) to %s", filename, info.Size(), peer.Name)
	return nil
}

func (u *Uploader) findPeer(ctx context.Context, name string) (*protocol.Peer, error) {
	peers, _, err := u.peers.Peers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range peers {
		if peers[i].Name == name {
			return &peers[i], nil
		}
	}
	return nil, fmt.Errorf("unknown peer %q", name)
}

func (u *Uploader) preflight(ctx context.Context, base, token, filename string, size int64) error {
	checkURL := fmt.Sprintf("%s/api/upload/check?filename=%s&size=%d", base, url.QueryEscape(filename), size)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build preflight request: %w", err)
	}
	req.Header.Set("X-Public-Token", token)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("peer unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusInsufficientStorage:
		return fmt.Errorf("peer has insufficient disk space for %s", filename)
	default:
		return fmt.Errorf("preflight rejected with status %d", resp.StatusCode)
	}
}

func (u *Uploader) upload(ctx context.Context, base string, peer *protocol.Peer, filename string, file io.Reader) error {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/upload", pr)
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	ident := u.identity.Current()
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Public-Token", peer.PublicToken)
	req.Header.Set("X-Sender-ID", ident.AgentID.String())
	req.Header.Set("X-Sender-Name", ident.Name)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload rejected with status %d", resp.StatusCode)
	}
	return nil
}
