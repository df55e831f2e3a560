// Package sim is an in-process peripheral that serves files over SMP. It
// backs the "sim" transport and the transfer tests.
package sim

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinoosan/mcufetch/internal/smp"
)

// DefaultChunkSize is the file data carried by one read response.
const DefaultChunkSize = 256

// Device is a simulated peripheral with a flat file system.
type Device struct {
	Address string
	// ChunkSize caps the data bytes per response.
	ChunkSize int
	// Delay is applied before every response.
	Delay time.Duration
	// Silent devices accept requests and never answer.
	Silent bool

	mu    sync.RWMutex
	files map[string][]byte
	reads int
}

// NewDevice creates an empty device. addr must be a normalized address.
func NewDevice(addr string) *Device {
	return &Device{Address: addr, ChunkSize: DefaultChunkSize, files: make(map[string][]byte)}
}

// Put stores a file.
func (d *Device) Put(name string, b []byte) {
	d.mu.Lock()
	d.files[name] = append([]byte(nil), b...)
	d.mu.Unlock()
}

// Reads reports how many read requests the device has served.
func (d *Device) Reads() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reads
}

// LoadDir adds every regular file under dir, named by its slash path
// below dir and rooted at prefix.
func (d *Device) LoadDir(dir, prefix string) error {
	return filepath.WalkDir(dir, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("sim: load %s: %w", p, err)
		}
		d.Put(path.Join("/", prefix, filepath.ToSlash(rel)), b)
		return nil
	})
}

// serve answers one request frame. It returns nil when there is nothing to send.
func (d *Device) serve(frame []byte) []byte {
	h, body, err := smp.DecodeFrame(frame)
	if err != nil || h.Op != smp.OpRead || h.Group != smp.GroupFS || h.ID != smp.IDFile {
		return nil
	}
	if d.Delay > 0 {
		time.Sleep(d.Delay)
	}
	if d.Silent {
		return nil
	}
	rsp := d.read(body)
	out, err := smp.EncodeReadResponse(h.Seq, rsp)
	if err != nil {
		return nil
	}
	return out
}

func (d *Device) read(body []byte) smp.FileReadResponse {
	req, err := smp.DecodeReadRequest(body)
	if err != nil {
		return smp.FileReadResponse{RC: smp.RCInval}
	}
	d.mu.Lock()
	d.reads++
	f, ok := d.files[req.Name]
	d.mu.Unlock()
	if !ok {
		return smp.FileReadResponse{RC: smp.RCNoEnt}
	}
	size := uint64(len(f))
	if req.Off > size {
		return smp.FileReadResponse{RC: smp.RCInval}
	}
	n := uint64(d.ChunkSize)
	if n == 0 {
		n = DefaultChunkSize
	}
	end := req.Off + n
	if end > size {
		end = size
	}
	rsp := smp.FileReadResponse{Off: req.Off, Data: f[req.Off:end]}
	if req.Off == 0 {
		rsp.Len = &size
	}
	return rsp
}
