package signer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blacktop/go-macho"
	"github.com/ruteri/supersign/interfaces"
)

const (
	fatMagic           = 0xcafebabe
	superBlobMagic     = 0xfade0cc0
	entitlementsMagic  = 0xfade7171
	slotEntitlements   = 5
	superBlobHeaderLen = 12
)

// CommandSigner signs bundles with an external zsign-compatible tool, invoked once
// per component as
//
//	<Path> -k <key.pem> -c <cert.pem> -e <entitlements.plist> <component dir>
//
// Nested components are signed before the bundles containing them.
type CommandSigner struct {
	Path string
	log  *slog.Logger
}

func NewCommandSigner(path string, log *slog.Logger) *CommandSigner {
	return &CommandSigner{Path: path, log: log}
}

func (c *CommandSigner) Sign(ctx context.Context, req interfaces.SigningRequest, progress interfaces.ProgressFunc) error {
	work, err := os.MkdirTemp("", "supersign-sign-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(work)

	keyPath := filepath.Join(work, "key.pem")
	if err := os.WriteFile(keyPath, req.PrivateKey, 0o600); err != nil {
		return err
	}
	certPath := filepath.Join(work, "cert.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: req.CertificateDER})
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		return err
	}

	// Deeper paths first.
	dirs := make([]string, 0, len(req.Entitlements))
	for dir := range req.Entitlements {
		dirs = append(dirs, dir)
	}
	sort.Slice(dirs, func(i, j int) bool {
		if di, dj := strings.Count(dirs[i], string(filepath.Separator)), strings.Count(dirs[j], string(filepath.Separator)); di != dj {
			return di > dj
		}
		return dirs[i] < dirs[j]
	})

	for i, dir := range dirs {
		entPath := filepath.Join(work, fmt.Sprintf("entitlements-%d.plist", i))
		if err := os.WriteFile(entPath, req.Entitlements[dir], 0o600); err != nil {
			return err
		}

		var stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, c.Path, "-k", keyPath, "-c", certPath, "-e", entPath, dir)
		cmd.Stderr = &stderr
		c.log.Debug("Signing component", slog.String("dir", dir))
		if err := cmd.Run(); err != nil {
			return &SignerError{Kind: ErrorSigning, Message: strings.TrimSpace(stderr.String()), Err: err}
		}
		if progress != nil {
			progress(float64(i+1) / float64(len(dirs)))
		}
	}
	return nil
}

// Analyze returns the entitlements embedded in the code signature of executable. For
// universal binaries the first architecture is read.
func (c *CommandSigner) Analyze(ctx context.Context, executable string) ([]byte, error) {
	data, err := os.ReadFile(executable)
	if err != nil {
		return nil, err
	}
	return EmbeddedEntitlements(data)
}

// EmbeddedEntitlements extracts the entitlements plist from a Mach-O image. It returns
// nil if the image is unsigned or signed without entitlements.
func EmbeddedEntitlements(data []byte) ([]byte, error) {
	if len(data) >= 4 && binary.BigEndian.Uint32(data) == fatMagic {
		fat, err := macho.NewFatFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse fat binary: %w", err)
		}
		defer fat.Close()
		if len(fat.Arches) == 0 {
			return nil, errors.New("fat binary without architectures")
		}
		arch := fat.Arches[0]
		end := uint64(arch.Offset) + uint64(arch.Size)
		if end > uint64(len(data)) {
			return nil, errors.New("truncated fat binary")
		}
		data = data[arch.Offset:end]
	}

	m, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	for _, load := range m.Loads {
		cs, ok := load.(*macho.CodeSignature)
		if !ok {
			continue
		}
		end := uint64(cs.Offset) + uint64(cs.Size)
		if end > uint64(len(data)) {
			return nil, errors.New("code signature out of bounds")
		}
		return entitlementsBlob(data[cs.Offset:end])
	}
	return nil, nil
}

// entitlementsBlob finds the entitlements slot of a code signature super blob.
func entitlementsBlob(sig []byte) ([]byte, error) {
	if len(sig) < superBlobHeaderLen || binary.BigEndian.Uint32(sig) != superBlobMagic {
		return nil, errors.New("invalid code signature")
	}
	count := binary.BigEndian.Uint32(sig[8:])
	if uint64(superBlobHeaderLen)+uint64(count)*8 > uint64(len(sig)) {
		return nil, errors.New("truncated code signature")
	}

	for i := uint32(0); i < count; i++ {
		entry := sig[superBlobHeaderLen+8*i:]
		if binary.BigEndian.Uint32(entry) != slotEntitlements {
			continue
		}
		offset := binary.BigEndian.Uint32(entry[4:])
		if uint64(offset)+8 > uint64(len(sig)) {
			return nil, errors.New("truncated entitlements blob")
		}
		blob := sig[offset:]
		if binary.BigEndian.Uint32(blob) != entitlementsMagic {
			return nil, errors.New("invalid entitlements blob")
		}
		length := binary.BigEndian.Uint32(blob[4:])
		if length < 8 || uint64(length) > uint64(len(blob)) {
			return nil, errors.New("truncated entitlements blob")
		}
		return blob[8:length], nil
	}
	return nil, nil
}
