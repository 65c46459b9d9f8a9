package otau

import (
	"github.com/pkg/errors"

	"github.com/thristram/go-gaia-otau/upgradefile"
)

// RelayCallbacks decorates user so that a device session stores the first
// partition of every upgrade file in relay storage and hands it to client
// once the file validates. Relay store ids alternate so the partition last
// relayed successfully is never overwritten.
//
// The returned callbacks must be installed before either session runs.
func RelayCallbacks(user *Callbacks, client *Session) *Callbacks {
	user = mergeCallbacks(user)
	r := &relayCapture{client: client}

	cb := *user
	cb.OnPartitionOpen = func(info PartitionInfo, target PartitionTarget) PartitionTarget {
		if r.claimed {
			return user.OnPartitionOpen(info, target)
		}
		r.claimed = true
		r.target = PartitionTarget{Type: upgradefile.PartitionRelay, ID: nextRelayID(client.Client().Record())}
		r.desc = PartitionDescriptor{
			StoreID:    r.target.ID,
			StoreType:  r.target.Type,
			DataLength: info.DataLength,
		}
		return r.target
	}
	cb.OnEvent = func(ev Event) {
		r.observe(ev)
		user.OnEvent(ev)
	}
	return &cb
}

// relayCapture collects the sections of the relayed partition. It is used
// on the device session loop only.
type relayCapture struct {
	client  *Session
	claimed bool
	target  PartitionTarget
	header  []byte
	desc    PartitionDescriptor
	digest  []byte
}

func (r *relayCapture) observe(ev Event) {
	switch ev := ev.(type) {
	case UpgradeStartedEvent:
		*r = relayCapture{client: r.client}

	case HeaderReceivedEvent:
		r.header = clone(ev.Raw)

	case PartitionOpenedEvent:
		if r.claimed && ev.Target == r.target && r.desc.Header == nil {
			r.desc.Header = append(clone(r.header), ev.Raw...)
		}

	case PartitionWrittenEvent:
		if r.claimed && ev.Target == r.target {
			r.digest = clone(ev.Digest[:])
			r.desc.RawTail = uint32(ev.RawTail)
		}

	case FooterReceivedEvent:
		if !r.claimed {
			return
		}
		r.desc.Footer = relayFooter(ev.Raw, r.digest)

	case ValidatedEvent:
		if !r.claimed || !r.desc.Valid() {
			return
		}
		r.desc.Digest = r.digest
		if err := r.client.SetCurrent(r.desc); err != nil {
			r.client.logger.Error("relay: %v", err)
		}
	}
}

// relayFooter returns the footer served downstream. A signed file is
// re-signed for the relayed partition alone.
func relayFooter(raw, digest []byte) []byte {
	if len(raw) <= upgradefile.IDLength+upgradefile.LengthFieldSize || len(digest) != upgradefile.SignatureSize {
		return clone(raw)
	}
	var d [upgradefile.SignatureSize]byte
	copy(d[:], digest)
	var sum upgradefile.SignatureSum
	sum.Accumulate(d)
	return upgradefile.FooterBytes(sum.Bytes())
}

// nextRelayID picks the relay store id that does not hold the previous
// partition.
func nextRelayID(rec RelayRecord) uint16 {
	if rec.Previous.Valid() && rec.Previous.StoreType == upgradefile.PartitionRelay {
		return 1 - rec.Previous.StoreID&1
	}
	return 0
}

// StageFile writes partition index of f to relay storage the way a device
// receiving chunkCap-sized pieces would, and returns its descriptor. It lets
// a host relay a file it holds locally.
func StageFile(ps PartitionStore, f *upgradefile.File, index int, storeID uint16, chunkCap int) (PartitionDescriptor, error) {
	if index < 0 || index >= len(f.Partitions) {
		return PartitionDescriptor{}, errors.Errorf("stage: no partition %d in a file of %d", index, len(f.Partitions))
	}
	p := f.Partitions[index]
	if len(p.Data) < upgradefile.StoreHeaderSize {
		return PartitionDescriptor{}, errors.Errorf("stage: partition %d has %d bytes", index, len(p.Data))
	}
	enc, err := upgradefile.EncodeSize(p.DataLength())
	if err != nil {
		return PartitionDescriptor{}, errors.Wrapf(err, "stage partition %d", index)
	}
	h, err := ps.Open(storeID, upgradefile.PartitionRelay, enc)
	if err != nil {
		return PartitionDescriptor{}, errors.Wrap(err, "stage")
	}
	if err := ps.Write(h, upgradefile.StorageImage(p.Data, chunkCap)); err != nil {
		return PartitionDescriptor{}, errors.Wrap(err, "stage")
	}
	sum, err := HashPartition(ps, h, upgradefile.StoreHeaderSize, len(p.Data)-upgradefile.StoreHeaderSize)
	if err != nil {
		return PartitionDescriptor{}, errors.Wrap(err, "stage")
	}

	var sig []byte
	if len(f.Signature) > 0 {
		var s upgradefile.SignatureSum
		s.Accumulate(sum)
		sig = s.Bytes()
	}
	header := append(f.Header.HeaderBytes(), p.HeaderBytes()...)
	return PartitionDescriptor{
		StoreID:    h.ID,
		StoreType:  h.Type,
		DataLength: p.DataLength(),
		Header:     header,
		Footer:     upgradefile.FooterBytes(sig),
		Digest:     sum[:],
		RawTail:    uint32(upgradefile.RawTail(len(p.Data), chunkCap)),
	}, nil
}
