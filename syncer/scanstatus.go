package syncer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ScanStatus is the persisted sync bookkeeping: the last local transaction
// timestamp applied to the index, and one marker table per federated peer
// keyed by the peer-side server that produced the transaction.
type ScanStatus struct {
	Self  int64                       `json:"self"`
	Peers map[string]map[string]int64 `json:"peers,omitempty"`
}

// LoadScanStatus reads the status file; a missing file yields a zero
// status, which makes the consume loop replay from the beginning.
func LoadScanStatus(path string) (*ScanStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScanStatus{}, nil
		}
		return nil, fmt.Errorf("reading scan status %s: %w", path, err)
	}
	var status ScanStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("parsing scan status %s: %w", path, err)
	}
	return &status, nil
}

// Save writes the status atomically: temp file in the same directory, then
// rename.
func (s *ScanStatus) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding scan status: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "scanstatus-*.tmp")
	if err != nil {
		return fmt.Errorf("creating scan status temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("writing scan status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("closing scan status temp file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("publishing scan status: %w", err)
	}
	return nil
}

// clone deep-copies the status so it can be serialized outside the
// syncer's lock.
func (s *ScanStatus) clone() *ScanStatus {
	out := &ScanStatus{Self: s.Self}
	if s.Peers != nil {
		out.Peers = make(map[string]map[string]int64, len(s.Peers))
		for addr, markers := range s.Peers {
			m := make(map[string]int64, len(markers))
			for server, ts := range markers {
				m[server] = ts
			}
			out.Peers[addr] = m
		}
	}
	return out
}

// peerMarkers returns the marker table for one peer, creating it on first
// use.
func (s *ScanStatus) peerMarkers(addr string) map[string]int64 {
	if s.Peers == nil {
		s.Peers = make(map[string]map[string]int64)
	}
	markers, ok := s.Peers[addr]
	if !ok {
		markers = make(map[string]int64)
		s.Peers[addr] = markers
	}
	return markers
}
