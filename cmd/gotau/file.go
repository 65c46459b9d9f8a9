package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/thristram/go-gaia-otau/upgradefile"
)

func pack(c *cli.Context) error {
	out := c.Args().First()
	if out == "" {
		return cli.NewExitError("pack: no output file", 1)
	}
	specs := c.StringSlice("partition")
	if len(specs) == 0 {
		return cli.NewExitError("pack: no partitions", 1)
	}

	version, err := parseVersion(c.String("version"))
	if err != nil {
		return err
	}
	f := &upgradefile.File{
		Header: upgradefile.Header{
			CompanyCode:  uint32(c.Uint("company")),
			PlatformType: uint16(c.Uint("platform")),
			TypeEncoding: 1,
			Version:      version,
		},
	}
	for _, spec := range specs {
		p, err := parsePartition(spec)
		if err != nil {
			return err
		}
		f.Partitions = append(f.Partitions, p)
	}
	if !c.Bool("unsigned") {
		f.Seal(chunkCap(c))
	}

	data := upgradefile.Build(f)
	if err := os.WriteFile(out, data, 0644); err != nil {
		return errors.Wrap(err, "pack")
	}
	if !c.GlobalBool("quiet") {
		fmt.Fprintf(os.Stderr, "%s: %d partitions, %d bytes\n", out, len(f.Partitions), len(data))
	}
	return nil
}

// parsePartition reads type:id:file. type is a name or a number.
func parsePartition(spec string) (upgradefile.Partition, error) {
	fields := strings.SplitN(spec, ":", 3)
	if len(fields) != 3 {
		return upgradefile.Partition{}, errors.Errorf("partition %q: want type:id:file", spec)
	}
	var typ upgradefile.PartitionType
	switch fields[0] {
	case "user-data", "userdata":
		typ = upgradefile.PartitionUserData
	case "application", "app":
		typ = upgradefile.PartitionApplication
	case "relay":
		typ = upgradefile.PartitionRelay
	default:
		n, err := strconv.ParseUint(fields[0], 0, 16)
		if err != nil {
			return upgradefile.Partition{}, errors.Errorf("partition %q: unknown type %q", spec, fields[0])
		}
		typ = upgradefile.PartitionType(n)
	}
	id, err := strconv.ParseUint(fields[1], 0, 16)
	if err != nil {
		return upgradefile.Partition{}, errors.Wrapf(err, "partition %q: id", spec)
	}
	image, err := os.ReadFile(fields[2])
	if err != nil {
		return upgradefile.Partition{}, errors.Wrapf(err, "partition %q", spec)
	}
	return upgradefile.NewPartition(typ, uint16(id), image)
}

func parseVersion(s string) ([3]byte, error) {
	var v [3]byte
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return v, errors.Errorf("version %q: want major.minor.revision", s)
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return v, errors.Wrapf(err, "version %q", s)
		}
		v[i] = byte(n)
	}
	return v, nil
}

func inspect(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("inspect: no file", 1)
	}
	f, err := upgradefile.Parse(path)
	if err != nil {
		return err
	}

	h := f.Header
	fmt.Printf("header:    company 0x%08X platform 0x%04X encoding %d image type %d version %s nvm %d\n",
		h.CompanyCode, h.PlatformType, h.TypeEncoding, h.ImageType, h.VersionString(), h.NVMVersion)
	for i, p := range f.Partitions {
		fmt.Printf("partition: #%d %s/%d, %d bytes\n", i, p.Type, p.ID, p.DataLength())
	}
	switch {
	case len(f.Signature) == 0:
		fmt.Println("footer:    unsigned")
	case f.Verify(chunkCap(c)):
		fmt.Printf("footer:    signature ok for %d-byte chunks\n", chunkCap(c))
	default:
		fmt.Printf("footer:    signature MISMATCH for %d-byte chunks\n", chunkCap(c))
		return cli.NewExitError("", 2)
	}
	return nil
}
