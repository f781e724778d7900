package vault

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"yield-vault/internal/domain"
)

// MaxProjects bounds the project list so the account size is fixed.
const MaxProjects = 10

// Space is the exact allocation of a vault account:
// discriminator(8) + vault_id(8) + protocol(1) + interval(1) +
// initial_amount(8) + projects(4 + 32*MaxProjects) + mint(32) + bump(1).
const Space = 8 + 8 + 1 + 1 + 8 + (4 + domain.AddressLength*MaxProjects) + domain.AddressLength + 1

// Discriminator tags vault accounts: sha256("account:YieldVault")[:8].
var Discriminator = accountDiscriminator("YieldVault")

func accountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// Record is the persistent state of one vault.
// On-account size: Space bytes, trailing bytes zero.
type Record struct {
	VaultID       uint64           // caller-chosen discriminator, part of the seeds
	Protocol      domain.Protocol  // immutable
	Interval      domain.Interval  // stored policy only
	InitialAmount uint64           // baseline recorded at creation
	Projects      []domain.Address // non-empty set, immutable
	Mint          domain.Address   // immutable
	Bump          uint8            // derivation salt
}

// Validate checks the field invariants that do not depend on the address.
func (r *Record) Validate() error {
	if len(r.Projects) == 0 {
		return ErrEmptyProjectSet
	}
	if len(r.Projects) > MaxProjects {
		return fmt.Errorf("%w: %d projects, max %d", ErrTooManyProjects, len(r.Projects), MaxProjects)
	}
	seen := make(map[domain.Address]struct{}, len(r.Projects))
	for _, p := range r.Projects {
		if p.IsZero() {
			return fmt.Errorf("%w: zero project id", ErrInvalidParams)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: duplicate project %s", ErrInvalidParams, p)
		}
		seen[p] = struct{}{}
	}
	if !r.Protocol.IsValid() {
		return fmt.Errorf("%w: tag %d", ErrUnsupportedProtocol, uint8(r.Protocol))
	}
	if !r.Interval.IsValid() {
		return fmt.Errorf("%w: interval tag %d", ErrInvalidParams, uint8(r.Interval))
	}
	if r.Mint.IsZero() {
		return fmt.Errorf("%w: zero mint", ErrInvalidParams)
	}
	return nil
}

// HasProject reports whether project is in the vault's project set.
func (r *Record) HasProject(project domain.Address) bool {
	for _, p := range r.Projects {
		if p == project {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.Projects = append([]domain.Address(nil), r.Projects...)
	return &c
}

// Encode serializes the record into exactly Space bytes.
func Encode(r *Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, Space)
	copy(buf[0:8], Discriminator[:])
	off := 8

	binary.LittleEndian.PutUint64(buf[off:], r.VaultID)
	off += 8
	buf[off] = byte(r.Protocol)
	off++
	buf[off] = byte(r.Interval)
	off++
	binary.LittleEndian.PutUint64(buf[off:], r.InitialAmount)
	off += 8

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Projects)))
	off += 4
	for _, p := range r.Projects {
		copy(buf[off:], p[:])
		off += domain.AddressLength
	}

	copy(buf[off:], r.Mint[:])
	off += domain.AddressLength
	buf[off] = r.Bump

	return buf, nil
}

// Decode parses vault account data. Any deviation from the layout,
// including non-zero bytes past the encoded record, is ErrCorruptRecord.
func Decode(data []byte) (*Record, error) {
	if len(data) != Space {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrCorruptRecord, len(data), Space)
	}
	if !bytes.Equal(data[0:8], Discriminator[:]) {
		return nil, fmt.Errorf("%w: bad discriminator", ErrCorruptRecord)
	}
	off := 8

	r := &Record{}
	r.VaultID = binary.LittleEndian.Uint64(data[off:])
	off += 8
	r.Protocol = domain.Protocol(data[off])
	off++
	r.Interval = domain.Interval(data[off])
	off++
	r.InitialAmount = binary.LittleEndian.Uint64(data[off:])
	off += 8

	n := binary.LittleEndian.Uint32(data[off:])
	off += 4
	if n == 0 || n > MaxProjects {
		return nil, fmt.Errorf("%w: project count %d", ErrCorruptRecord, n)
	}
	r.Projects = make([]domain.Address, n)
	for i := range r.Projects {
		copy(r.Projects[i][:], data[off:off+domain.AddressLength])
		off += domain.AddressLength
	}

	copy(r.Mint[:], data[off:off+domain.AddressLength])
	off += domain.AddressLength
	r.Bump = data[off]
	off++

	for _, b := range data[off:] {
		if b != 0 {
			return nil, fmt.Errorf("%w: trailing bytes", ErrCorruptRecord)
		}
	}

	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return r, nil
}
