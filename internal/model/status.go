package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GroupStatus is the lifecycle state of a ScanGroup.
//
//	READY --dispatch--> SCANNING --(all tasks done)--> FINISH
//	                    SCANNING --(timeout)---------> ERROR
//	READY --(dispatch failed)----------------------> ERROR
//
// FINISH and ERROR are terminal.
type GroupStatus int

const (
	StatusReady GroupStatus = iota
	StatusScanning
	StatusFinish
	StatusError
)

var statusNames = [...]string{"ready", "scanning", "finish", "error"}

func (s GroupStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether no transition leaves s.
func (s GroupStatus) Terminal() bool {
	return s == StatusFinish || s == StatusError
}

func (s GroupStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *GroupStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseGroupStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseGroupStatus(name string) (GroupStatus, error) {
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return GroupStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown group status %q", name)
}
