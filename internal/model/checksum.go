package model

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// BypassHash disables the config checksum gate. USE AT YOUR OWN RISK.
const BypassHash uint64 = 0xd0a515a1

// HashMismatchCode is the process exit code for a failed checksum gate.
const HashMismatchCode = 17

var ErrHashMismatch = errors.New("instrument config hash check failed")

// SafetyHash computes the checksum an instrument config must carry in its
// safety_hash key: the first 16 hex digits of the md5 over the YAML
// document with the safety_hash entry removed, re-marshalled so that
// formatting and comments do not matter.
func SafetyHash(raw []byte) (uint64, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("parsing config for checksum: %w", err)
	}
	delete(doc, "safety_hash")
	canon, err := yaml.Marshal(doc) // yaml.v3 sorts map keys
	if err != nil {
		return 0, fmt.Errorf("canonicalizing config: %w", err)
	}
	sum := md5.Sum(canon)
	return strconv.ParseUint(hex.EncodeToString(sum[:])[:16], 16, 64)
}

// CheckSafetyHash verifies the safety_hash key of a raw config document.
// A document carrying BypassHash passes with a warning left to the caller
// (the returned actual hash lets it be printed); any other mismatch
// returns ErrHashMismatch.
func CheckSafetyHash(raw []byte) (actual uint64, bypassed bool, err error) {
	var doc struct {
		SafetyHash *uint64 `yaml:"safety_hash"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return 0, false, fmt.Errorf("parsing config for checksum: %w", err)
	}
	if doc.SafetyHash == nil {
		return 0, false, errors.New("instrument config has no safety_hash")
	}
	actual, err = SafetyHash(raw)
	if err != nil {
		return 0, false, err
	}
	given := *doc.SafetyHash
	if given == BypassHash {
		return actual, true, nil
	}
	if given != actual {
		return actual, false, fmt.Errorf("%w: given 0x%x vs. actual 0x%x",
			ErrHashMismatch, given, actual)
	}
	return actual, false, nil
}
