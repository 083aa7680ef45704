package bplustree

import (
	"encoding/binary"
	"fmt"

	"github.com/relicdb/enginecore/core/storage/buffer"
	"github.com/relicdb/enginecore/core/storage/page"
)

// The header page (page.HeaderPageID) persists a small directory of
// index-name -> root-page-id records.
//
// Layout: uint16 recordCount, then recordCount * (uint16 nameLen, name
// bytes, uint64 rootPageID).

// IndexRecord is one entry of the header page's directory: an index name
// paired with its current root page id.
type IndexRecord struct {
	Name   string
	RootID page.ID
}

// HeaderDirectory returns every record currently stored in the header page,
// for tooling that wants to enumerate the indexes a data file holds (e.g.
// cmd/dbengine's inspect subcommand) without knowing their names up front.
func HeaderDirectory(bpm *buffer.Manager) ([]IndexRecord, error) {
	hp, err := bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return nil, fmt.Errorf("bplustree: fetch header page: %w", err)
	}
	defer bpm.UnpinPage(page.HeaderPageID, false)
	hp.RLock()
	defer hp.RUnlock()

	data := hp.Data()
	if len(data) < 2 {
		return nil, nil
	}
	var records []IndexRecord
	count := binary.LittleEndian.Uint16(data[0:2])
	off := 2
	for i := uint16(0); i < count; i++ {
		if off+2 > len(data) {
			break
		}
		nl := binary.LittleEndian.Uint16(data[off : off+2])
		off += 2
		if off+int(nl)+8 > len(data) {
			break
		}
		name := string(data[off : off+int(nl)])
		off += int(nl)
		rootID := binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
		records = append(records, IndexRecord{Name: name, RootID: page.ID(rootID)})
	}
	return records, nil
}

func readHeaderRootID(bpm *buffer.Manager, name string) (page.ID, bool, error) {
	hp, err := bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return page.InvalidID, false, fmt.Errorf("bplustree: fetch header page: %w", err)
	}
	defer bpm.UnpinPage(page.HeaderPageID, false)
	hp.RLock()
	defer hp.RUnlock()

	data := hp.Data()
	if len(data) < 2 {
		return page.InvalidID, false, nil
	}
	count := binary.LittleEndian.Uint16(data[0:2])
	off := 2
	for i := uint16(0); i < count; i++ {
		if off+2 > len(data) {
			break
		}
		nl := binary.LittleEndian.Uint16(data[off : off+2])
		off += 2
		if off+int(nl)+8 > len(data) {
			break
		}
		recName := string(data[off : off+int(nl)])
		off += int(nl)
		rootID := binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
		if recName == name {
			return page.ID(rootID), true, nil
		}
	}
	return page.InvalidID, false, nil
}

func writeHeaderRootID(bpm *buffer.Manager, name string, rootID page.ID) error {
	hp, err := bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return fmt.Errorf("bplustree: fetch header page: %w", err)
	}
	defer bpm.UnpinPage(page.HeaderPageID, true)
	hp.Lock()
	defer hp.Unlock()

	data := hp.Data()
	type rec struct {
		name string
		id   page.ID
	}
	var records []rec

	if len(data) >= 2 {
		count := binary.LittleEndian.Uint16(data[0:2])
		off := 2
		for i := uint16(0); i < count; i++ {
			if off+2 > len(data) {
				break
			}
			nl := binary.LittleEndian.Uint16(data[off : off+2])
			off += 2
			if off+int(nl)+8 > len(data) {
				break
			}
			recName := string(data[off : off+int(nl)])
			off += int(nl)
			id := binary.LittleEndian.Uint64(data[off : off+8])
			off += 8
			records = append(records, rec{recName, page.ID(id)})
		}
	}

	found := false
	for i := range records {
		if records[i].name == name {
			records[i].id = rootID
			found = true
			break
		}
	}
	if !found {
		records = append(records, rec{name, rootID})
	}

	for i := range data {
		data[i] = 0
	}
	binary.LittleEndian.PutUint16(data[0:2], uint16(len(records)))
	off := 2
	for _, r := range records {
		binary.LittleEndian.PutUint16(data[off:off+2], uint16(len(r.name)))
		off += 2
		copy(data[off:off+len(r.name)], r.name)
		off += len(r.name)
		binary.LittleEndian.PutUint64(data[off:off+8], uint64(r.id))
		off += 8
	}
	hp.SetDirty()
	return nil
}
