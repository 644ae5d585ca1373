package vaultbox

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContainerExt is the file extension of containers written by a Store
const ContainerExt = ".vbx"

// Store keeps containers and encrypted folders on an absfs.FileSystem.
// Containers are written to a temporary file and renamed into place, so a
// failed write never leaves a truncated container under its final name.
type Store struct {
	base     absfs.FileSystem
	engine   *Engine
	parallel ParallelConfig
	log      logrus.FieldLogger
}

// NewStore creates a store over the base filesystem
func NewStore(base absfs.FileSystem, engine *Engine, parallel ParallelConfig) (*Store, error) {
	if base == nil {
		return nil, fmt.Errorf("base filesystem cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if err := parallel.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parallel config: %w", err)
	}

	return &Store{
		base:     base,
		engine:   engine,
		parallel: parallel,
		log:      engine.log,
	}, nil
}

// Engine returns the engine used for all container operations
func (s *Store) Engine() *Engine {
	return s.engine
}

// Put writes a new container into dir under a random name and returns its path
func (s *Store) Put(dir string, req *CreateRequest) (string, *ContainerInfo, error) {
	name := path.Join(dir, uuid.New().String()+ContainerExt)
	info, err := s.writeAtomic(name, req)
	if err != nil {
		return "", nil, err
	}
	return name, info, nil
}

// writeAtomic writes a container to a temporary sibling of name and renames
// it over name once it is complete.
func (s *Store) writeAtomic(name string, req *CreateRequest) (*ContainerInfo, error) {
	dir := path.Dir(name)
	tmp := path.Join(dir, "."+uuid.New().String()+".tmp")

	f, err := s.base.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, NewIOError("create", tmp, err)
	}

	// Create closes f on both paths.
	info, err := s.engine.Create(f, req)
	if err != nil {
		s.discard(tmp, err)
		return nil, err
	}

	if err := s.replace(tmp, name); err != nil {
		s.discard(tmp, err)
		return nil, NewIOError("rename", name, err)
	}
	return info, nil
}

// replace renames tmp to name, removing an existing name first when the
// filesystem refuses to rename over it.
func (s *Store) replace(tmp, name string) error {
	err := s.base.Rename(tmp, name)
	if err == nil {
		return nil
	}
	if _, statErr := s.base.Stat(name); statErr != nil {
		return err
	}
	if rmErr := s.base.Remove(name); rmErr != nil {
		return rmErr
	}
	return s.base.Rename(tmp, name)
}

func (s *Store) discard(tmp string, cause error) {
	s.log.WithError(cause).Error("container write failed")
	if err := s.base.Remove(tmp); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).Error("failed to remove temporary container")
	}
}

// Open opens a stored container. The returned view owns the file handle.
func (s *Store) Open(name string, password []byte) (*Composite, error) {
	f, err := s.base.Open(name)
	if err != nil {
		return nil, NewIOError("open", name, err)
	}

	c, err := s.engine.Open(f, password)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// OriginalName returns the file name stored inside a container
func (s *Store) OriginalName(name string, password []byte) (string, error) {
	f, err := s.base.Open(name)
	if err != nil {
		return "", NewIOError("open", name, err)
	}

	// The engine closes f.
	return s.engine.OriginalName(f, password)
}

// ListContainers returns the paths of all containers directly inside dir
func (s *Store) ListContainers(dir string) ([]string, error) {
	names, err := s.readDir(dir)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, n := range names {
		if strings.HasSuffix(n, ContainerExt) && !strings.HasPrefix(n, ".") {
			out = append(out, path.Join(dir, n))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Folder is a directory as presented to the user
type Folder struct {
	Path        string // Path on the base filesystem
	DisplayName string // Decrypted name, or the raw name if not decryptable
	Encrypted   bool   // Whether DisplayName was decrypted from a token
}

// CreateFolder creates a directory inside parent whose on-disk name is the
// encrypted form of displayName.
func (s *Store) CreateFolder(parent, displayName string, password []byte) (*Folder, error) {
	token, err := s.engine.EncryptName(displayName, password)
	if err != nil {
		return nil, err
	}

	p := path.Join(parent, token)
	if err := s.base.Mkdir(p, 0700); err != nil {
		return nil, NewIOError("mkdir", p, err)
	}
	return &Folder{Path: p, DisplayName: displayName, Encrypted: true}, nil
}

// ListFolders lists the directories inside dir. Names that look like tokens
// are decrypted concurrently; anything that does not decrypt under password
// keeps its raw name.
func (s *Store) ListFolders(dir string, password []byte) ([]Folder, error) {
	names, err := s.readDir(dir)
	if err != nil {
		return nil, err
	}

	var folders []Folder
	var jobs []nameJob
	for _, n := range names {
		p := path.Join(dir, n)
		info, err := s.base.Stat(p)
		if err != nil {
			return nil, NewIOError("stat", p, err)
		}
		if !info.IsDir() {
			continue
		}
		folders = append(folders, Folder{Path: p, DisplayName: n})
		if LooksLikeToken(n) {
			jobs = append(jobs, nameJob{index: len(folders) - 1, token: n})
		}
	}

	if err := s.probeNames(jobs, password); err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.ok {
			folders[j.index].DisplayName = j.name
			folders[j.index].Encrypted = true
		}
	}

	s.log.WithFields(logrus.Fields{
		"folders": len(folders),
		"probed":  len(jobs),
	}).Debug("listed folders")

	sort.SliceStable(folders, func(i, j int) bool {
		return folders[i].DisplayName < folders[j].DisplayName
	})
	return folders, nil
}

func (s *Store) readDir(dir string) ([]string, error) {
	d, err := s.base.Open(dir)
	if err != nil {
		return nil, NewIOError("open", dir, err)
	}
	defer d.Close()

	names, err := d.Readdirnames(-1)
	if err != nil {
		return nil, NewIOError("readdir", dir, err)
	}

	out := names[:0]
	for _, n := range names {
		if n != "." && n != ".." && n != "" {
			out = append(out, n)
		}
	}
	return out, nil
}
