// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package depthchargectllib

import (
	"fmt"
	"strconv"

	"github.com/asaskevich/govalidator"
	"gopkg.in/ini.v1"

	"github.com/alpernebbi/depthcharge-tools/internal/codec"
	"github.com/alpernebbi/depthcharge-tools/pkg/mkdepthchargelib"
)

// BoardProfile is one board's entry in the board database. It is
// immutable input to a build; nothing in this tree computes it.
type BoardProfile struct {
	Codename string
	Name     string
	Arch     string

	ImageFormat  mkdepthchargelib.Format
	ImageMaxSize int64

	KernelLoadAddress  uint64
	RamdiskLoadAddress uint64

	BootsLz4Kernel  bool
	BootsLzmaKernel bool

	DtCompatible string

	// Quirks of specific firmware builds.
	LoadsDtbTwice       bool
	FitRamdiskSupport   bool
	ZimageInitramfsHack mkdepthchargelib.InitramfsHack
}

// Compressions lists the compression kinds the board's firmware can
// decompress, in the order builds should try them.
func (b *BoardProfile) Compressions() []codec.Kind {
	kinds := []codec.Kind{codec.None}
	if b.BootsLz4Kernel {
		kinds = append(kinds, codec.Lz4)
	}
	if b.BootsLzmaKernel {
		kinds = append(kinds, codec.Lzma)
	}
	return kinds
}

func (b *BoardProfile) validate() error {
	if !govalidator.Matches(b.Codename, `^[a-z0-9-]+$`) {
		return fmt.Errorf("invalid board codename (%s)", b.Codename)
	}
	if !govalidator.IsIn(string(b.ImageFormat),
		string(mkdepthchargelib.FormatFit), string(mkdepthchargelib.FormatZimage)) {
		return fmt.Errorf("board (%s) has invalid image format (%s)", b.Codename, b.ImageFormat)
	}
	if !govalidator.IsIn(b.Arch, "arm", "arm64", "x86", "amd64") {
		return fmt.Errorf("board (%s) has invalid arch (%s)", b.Codename, b.Arch)
	}
	if !govalidator.IsIn(string(b.ZimageInitramfsHack),
		string(mkdepthchargelib.HackNone),
		string(mkdepthchargelib.HackPadKernel),
		string(mkdepthchargelib.HackGrowInitSize)) {
		return fmt.Errorf("board (%s) has invalid zimage initramfs hack (%s)",
			b.Codename, b.ZimageInitramfsHack)
	}
	if b.ImageMaxSize <= 0 {
		return fmt.Errorf("board (%s) has invalid maximum image size (%d)", b.Codename, b.ImageMaxSize)
	}
	return nil
}

// BoardDatabase holds the known board profiles, keyed by codename.
type BoardDatabase struct {
	boards map[string]*BoardProfile
}

// LoadBoardDatabase reads board profiles from ini files. Sections are
// board codenames; later files override earlier ones.
func LoadBoardDatabase(paths ...string) (*BoardDatabase, error) {
	if len(paths) == 0 {
		return &BoardDatabase{boards: map[string]*BoardProfile{}}, nil
	}

	sources := []any(nil)
	for _, path := range paths[1:] {
		sources = append(sources, path)
	}

	file, err := ini.LooseLoad(paths[0], sources...)
	if err != nil {
		return nil, fmt.Errorf("failed to load board database:\n%w", err)
	}

	db := &BoardDatabase{boards: map[string]*BoardProfile{}}
	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}

		board, err := boardFromSection(section)
		if err != nil {
			return nil, NewDepthchargectlErrorWithCause(BoardConfigError,
				fmt.Sprintf("invalid board database entry (%s)", section.Name()), err)
		}
		db.boards[board.Codename] = board
	}

	return db, nil
}

// Lookup finds a board by codename.
func (db *BoardDatabase) Lookup(codename string) (*BoardProfile, error) {
	board, ok := db.boards[codename]
	if !ok {
		return nil, NewDepthchargectlError(BoardConfigError,
			fmt.Sprintf("%v: (%s)", BoardUnknownError, codename))
	}
	return board, nil
}

// Codenames lists the known boards.
func (db *BoardDatabase) Codenames() []string {
	names := []string(nil)
	for name := range db.boards {
		names = append(names, name)
	}
	return names
}

func boardFromSection(section *ini.Section) (*BoardProfile, error) {
	board := &BoardProfile{
		Codename:            section.Name(),
		Name:                section.Key("name").String(),
		Arch:                section.Key("arch").MustString("arm"),
		ImageFormat:         mkdepthchargelib.Format(section.Key("image-format").MustString("fit")),
		DtCompatible:        section.Key("dt-compatible").String(),
		BootsLz4Kernel:      section.Key("boots-lz4-kernel").MustBool(false),
		BootsLzmaKernel:     section.Key("boots-lzma-kernel").MustBool(false),
		LoadsDtbTwice:       section.Key("loads-dtb-twice").MustBool(false),
		FitRamdiskSupport:   section.Key("fit-ramdisk-support").MustBool(false),
		ZimageInitramfsHack: mkdepthchargelib.InitramfsHack(section.Key("zimage-initramfs-hack").MustString("none")),
	}

	var err error
	board.ImageMaxSize, err = parseSize(section.Key("image-max-size").MustString("0"))
	if err != nil {
		return nil, err
	}
	board.KernelLoadAddress, err = parseAddress(section.Key("kernel-load-addr").MustString("0"))
	if err != nil {
		return nil, err
	}
	board.RamdiskLoadAddress, err = parseAddress(section.Key("ramdisk-load-addr").MustString("0"))
	if err != nil {
		return nil, err
	}

	if err := board.validate(); err != nil {
		return nil, err
	}
	return board, nil
}

// parseSize accepts plain or hex byte counts.
func parseSize(value string) (int64, error) {
	size, err := strconv.ParseInt(value, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value (%s):\n%w", value, err)
	}
	return size, nil
}

func parseAddress(value string) (uint64, error) {
	addr, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address value (%s):\n%w", value, err)
	}
	return addr, nil
}
