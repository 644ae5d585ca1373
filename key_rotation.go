package vaultbox

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// RotationOptions controls password changes
type RotationOptions struct {
	// KeepMode rewrites AEAD and streaming containers in their current mode.
	// Otherwise the mode is chosen from the payload size. Legacy containers
	// are always upgraded.
	KeepMode bool

	// DryRun verifies that every container opens without rewriting anything
	DryRun bool
}

// ChangePassword re-encrypts a container under a new password. The container
// is opened twice: once for metadata, thumbnail and note, and once to stream
// the file into the new container, so the file is never held in memory.
// The new container replaces the old one only once it is complete.
func (s *Store) ChangePassword(name string, oldPassword, newPassword []byte, opts RotationOptions) error {
	head, err := s.Open(name, oldPassword)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer head.Close()

	meta := head.Metadata()
	fileSize, err := head.FileSize()
	if err != nil {
		return err
	}
	thumb, hasThumb, err := head.Thumbnail()
	if err != nil {
		return err
	}
	note, hasNote, err := head.cached(SectionNote)
	if err != nil {
		return err
	}

	if opts.DryRun {
		return s.Verify(name, oldPassword)
	}

	body, err := s.Open(name, oldPassword)
	if err != nil {
		return fmt.Errorf("failed to reopen %s: %w", name, err)
	}
	defer body.Close()

	file, err := body.FileStream(FileStreaming)
	if err != nil {
		return err
	}

	req := &CreateRequest{
		File:         file,
		FileSize:     fileSize,
		OriginalName: meta.OriginalName,
		FileType:     meta.FileType,
		Password:     newPassword,
		Mode:         rotationMode(head.Mode(), opts),
	}
	if hasThumb {
		req.Thumbnail = &byteSource{data: thumb}
		req.ThumbnailSize = int64(len(thumb))
	}
	if hasNote {
		req.Note = note
	}

	info, err := s.writeAtomic(name, req)
	if err != nil {
		return fmt.Errorf("failed to re-encrypt %s: %w", name, err)
	}

	s.log.WithFields(logrus.Fields{
		"from": head.Mode().String(),
		"to":   info.Mode.String(),
	}).Debug("container re-encrypted")
	return nil
}

func rotationMode(current Mode, opts RotationOptions) ModePreference {
	if !opts.KeepMode {
		return PreferAuto
	}
	switch current.(type) {
	case AEADMode:
		return PreferAEAD
	case StreamingMode:
		return PreferStreaming
	default:
		return PreferAuto
	}
}

// RotateAll changes the password of every container directly inside dir and
// returns how many were rewritten. It keeps going after a failure and
// reports the number of failures at the end.
func (s *Store) RotateAll(dir string, oldPassword, newPassword []byte, opts RotationOptions) (int, error) {
	names, err := s.ListContainers(dir)
	if err != nil {
		return 0, err
	}

	var rotated int
	var errs []error
	for _, name := range names {
		if err := s.ChangePassword(name, oldPassword, newPassword, opts); err != nil {
			errs = append(errs, err)
			continue
		}
		rotated++
	}

	if len(errs) > 0 {
		return rotated, fmt.Errorf("key rotation completed with %d errors (rotated %d containers): %w", len(errs), rotated, errs[0])
	}
	return rotated, nil
}

// Verify decrypts a container completely, authenticating every chunk
func (s *Store) Verify(name string, password []byte) error {
	c, err := s.Open(name, password)
	if err != nil {
		return fmt.Errorf("failed to open: %w", err)
	}
	defer c.Close()

	size, err := c.FileSize()
	if err != nil {
		return err
	}
	file, err := c.FileStream(FileStreaming)
	if err != nil {
		return err
	}
	if _, err := copySecret(discard{}, file, size); err != nil {
		return fmt.Errorf("failed to decrypt: %w", err)
	}
	return c.verifyEnd()
}
