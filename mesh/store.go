package mesh

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/golang/glog"
)

// Persistence is the durable store collaborator for the operation log.
// AppendDurable must make the operation durable before returning;
// LoadAll replays everything appended so far.
type Persistence interface {
	AppendDurable(op *Operation) error
	LoadAll() ([]*Operation, error)
}

// MemoryStore is a Persistence for tests and ephemeral replicas.
type MemoryStore struct {
	mutex sync.Mutex
	ops   []*Operation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (self *MemoryStore) AppendDurable(op *Operation) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.ops = append(self.ops, op)
	return nil
}

func (self *MemoryStore) LoadAll() ([]*Operation, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]*Operation, len(self.ops))
	copy(out, self.ops)
	return out, nil
}

// FileStore appends operations as JSON lines. The log is append only,
// so a flat file with no index is enough; the in-memory set is the
// read path.
type FileStore struct {
	mutex sync.Mutex
	path  string
	file  *os.File
}

func NewFileStore(path string) (*FileStore, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &FileStore{
		path: path,
		file: file,
	}, nil
}

func (self *FileStore) AppendDurable(op *Operation) error {
	b, err := json.Marshal(op)
	if err != nil {
		return err
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if _, err := self.file.Write(append(b, '\n')); err != nil {
		return err
	}
	return self.file.Sync()
}

func (self *FileStore) LoadAll() ([]*Operation, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	file, err := os.Open(self.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	ops := []*Operation{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line += 1
		if len(scanner.Bytes()) == 0 {
			continue
		}
		op := &Operation{}
		if err := json.Unmarshal(scanner.Bytes(), op); err != nil {
			// a torn final write is recoverable, stop there
			glog.Infof("[store]%s bad record at line %d = %s\n", self.path, line, err)
			break
		}
		ops = append(ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

func (self *FileStore) Close() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.file.Close()
}
