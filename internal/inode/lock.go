package inode

import "sort"

type lockRequest struct {
	node  *DirNode
	write bool
}

// lockSet holds several directory locks acquired in inode-number order.
// Every section that holds more than one directory lock goes through it,
// which rules out lock-order cycles between concurrent renames.
type lockSet struct {
	held []lockRequest
}

// lockDirs acquires the requested locks. Nil nodes are skipped and a node
// requested twice is locked once, for writing if either request was.
func lockDirs(reqs ...lockRequest) *lockSet {
	merged := make([]lockRequest, 0, len(reqs))
	for _, r := range reqs {
		if r.node == nil {
			continue
		}
		dup := false
		for i := range merged {
			if merged[i].node == r.node {
				merged[i].write = merged[i].write || r.write
				dup = true
				break
			}
		}
		if !dup {
			merged = append(merged, r)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].node.ino < merged[j].node.ino
	})

	for _, r := range merged {
		if r.write {
			r.node.mu.Lock()
		} else {
			r.node.mu.RLock()
		}
	}
	return &lockSet{held: merged}
}

func (s *lockSet) unlock() {
	for i := len(s.held) - 1; i >= 0; i-- {
		r := s.held[i]
		if r.write {
			r.node.mu.Unlock()
		} else {
			r.node.mu.RUnlock()
		}
	}
	s.held = nil
}
