package activitypub

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/deemkeen/tusk/domain"
)

// Media lives on disk under {storage_dir}/media/ with content-addressed
// names, so duplicate uploads collapse into one file.

// MediaDir returns the media directory, creating it on first use.
func MediaDir() (string, error) {
	dir := filepath.Join(GetInstance().StorageDir, "media")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create media dir: %w", err)
	}
	return dir, nil
}

// StoreMedia writes content under its sha256 name, returning the file name.
func StoreMedia(content []byte, extension string) (string, error) {
	dir, err := MediaDir()
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(content)
	fileName := hex.EncodeToString(digest[:]) + extension
	path := filepath.Join(dir, fileName)
	if _, err := os.Stat(path); err == nil {
		return fileName, nil
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write media file: %w", err)
	}
	return fileName, nil
}

// CleanupMedia removes the files a deletion released. IPFS CIDs are logged
// for the external pinning collaborator; nothing here talks to IPFS.
func CleanupMedia(queue *domain.DeletionQueue) {
	if queue == nil {
		return
	}
	dir, err := MediaDir()
	if err != nil {
		log.Printf("Media: %v", err)
		return
	}
	for _, fileName := range queue.FileNames {
		// Refuse anything that could escape the media dir
		if fileName != filepath.Base(fileName) {
			log.Printf("Media: Skipping suspicious file name %q", fileName)
			continue
		}
		if err := os.Remove(filepath.Join(dir, fileName)); err != nil && !os.IsNotExist(err) {
			log.Printf("Media: Failed to remove %s: %v", fileName, err)
		}
	}
	for _, cid := range queue.IpfsCids {
		log.Printf("Media: IPFS object %s is no longer pinned here", cid)
	}
}
