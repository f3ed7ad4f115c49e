// Package profile persists reusable browser user profiles as compressed
// archives so a later session can resume with the same cookies and storage.
package profile

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/browsertrace/browsertrace/pkg/models"
)

// Manager stores profiles under a base directory, one tar.gz per profile.
type Manager struct {
	profiles  sync.Map // profileID -> *models.Profile
	storePath string
}

// NewManager creates a profile manager rooted at storePath.
func NewManager(storePath string) (*Manager, error) {
	if err := os.MkdirAll(storePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}
	return &Manager{storePath: storePath}, nil
}

// CreateProfile registers a new empty profile.
func (m *Manager) CreateProfile(name string) *models.Profile {
	p := &models.Profile{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.profiles.Store(p.ID, p)
	return p
}

// GetProfile retrieves a profile by id.
func (m *Manager) GetProfile(id string) (*models.Profile, error) {
	value, ok := m.profiles.Load(id)
	if !ok {
		return nil, fmt.Errorf("profile %s not found", id)
	}
	return value.(*models.Profile), nil
}

// DeleteProfile removes a profile and its archived data.
func (m *Manager) DeleteProfile(id string) error {
	p, err := m.GetProfile(id)
	if err != nil {
		return err
	}
	if p.DataPath != "" {
		if err := os.Remove(p.DataPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete profile data: %w", err)
		}
	}
	m.profiles.Delete(id)
	return nil
}

// SaveProfileData archives a session's user data directory into the profile.
func (m *Manager) SaveProfileData(profileID, userDataDir string) error {
	p, err := m.GetProfile(profileID)
	if err != nil {
		return err
	}

	archivePath := filepath.Join(m.storePath, profileID+".tar.gz")
	if err := compressDirectory(userDataDir, archivePath); err != nil {
		return fmt.Errorf("failed to archive profile data: %w", err)
	}

	p.DataPath = archivePath
	p.UpdatedAt = time.Now()
	m.profiles.Store(profileID, p)
	return nil
}

// LoadProfileData extracts a profile into a fresh directory the engine can
// mount as its user data dir.
func (m *Manager) LoadProfileData(profileID string) (string, error) {
	p, err := m.GetProfile(profileID)
	if err != nil {
		return "", err
	}
	if p.DataPath == "" {
		return "", fmt.Errorf("profile %s has no saved data", profileID)
	}

	extractPath := filepath.Join(os.TempDir(), "browsertrace-profile-"+profileID)
	if err := os.MkdirAll(extractPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create extraction directory: %w", err)
	}
	if err := extractDirectory(p.DataPath, extractPath); err != nil {
		return "", fmt.Errorf("failed to extract profile data: %w", err)
	}
	return extractPath, nil
}

// ExportProfile returns the profile's archive bytes, suitable for sending to
// a client that wants to persist the profile itself.
func (m *Manager) ExportProfile(profileID string) ([]byte, error) {
	p, err := m.GetProfile(profileID)
	if err != nil {
		return nil, err
	}
	if p.DataPath == "" {
		return nil, fmt.Errorf("profile %s has no saved data", profileID)
	}
	data, err := os.ReadFile(p.DataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile archive: %w", err)
	}
	return data, nil
}

func compressDirectory(source, target string) error {
	file, err := os.Create(target)
	if err != nil {
		return err
	}
	defer file.Close()

	gzWriter := gzip.NewWriter(file)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, info.Name())
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		header.Name = relPath

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if !info.IsDir() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tarWriter, f)
			return err
		}
		return nil
	})
}

func extractDirectory(source, target string) error {
	file, err := os.Open(source)
	if err != nil {
		return err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		targetPath := filepath.Join(target, header.Name)
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return err
			}
			outFile, err := os.Create(targetPath)
			if err != nil {
				return err
			}
			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return err
			}
			outFile.Close()
		}
	}
	return nil
}
