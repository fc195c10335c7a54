// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/alpernebbi/depthcharge-tools/internal/codec"
	"github.com/alpernebbi/depthcharge-tools/internal/exe"
	"github.com/alpernebbi/depthcharge-tools/internal/logger"
	"github.com/alpernebbi/depthcharge-tools/internal/partition"
	"github.com/alpernebbi/depthcharge-tools/internal/vboot"
	"github.com/alpernebbi/depthcharge-tools/pkg/depthchargectllib"
)

var (
	app = kingpin.New("depthchargectl", "Manage depthcharge images and Chrome OS kernel partitions")

	board      = app.Flag("board", "Codename of the board to build images for.").String()
	configPath = app.Flag("config", "Path of the tool configuration file.").Default(depthchargectllib.DefaultConfigPath).String()
	boardsPath = app.Flag("boards-db", "Path of the board database.").Default(depthchargectllib.DefaultBoardsPath).String()
	disks      = app.Flag("disk", "Disks to operate on instead of the bootable ones.").Strings()
	logFlags   = exe.SetupLogFlags(app)

	buildCmd       = app.Command("build", "Build a depthcharge image for a board.")
	buildKernel    = buildCmd.Flag("kernel", "Kernel image to build from.").Required().String()
	buildInitramfs = buildCmd.Flag("initramfs", "Initramfs files to pack, concatenated in order.").Strings()
	buildDtbs      = buildCmd.Flag("dtbs", "Device-tree blob files to pack.").Strings()
	buildCmdline   = buildCmd.Flag("kernel-cmdline", "Kernel command line to pack.").String()
	buildCompress  = buildCmd.Flag("compress", "Compression kinds to try, in order.").Enums("none", "lz4", "lzma")
	buildTimestamp = buildCmd.Flag("timestamp", "Unix timestamp to build reproducibly at.").Int64()
	buildOutput    = buildCmd.Flag("output", "Path to write the built image to.").Required().String()

	checkCmd   = app.Command("check", "Check whether an image is bootable on a board.")
	checkImage = checkCmd.Arg("image", "Image file to check.").Required().String()

	listCmd = app.Command("list", "List kernel partitions and their boot state.")

	targetCmd     = app.Command("target", "Choose the kernel partition the next image should go to.")
	targetMinSize = targetCmd.Flag("min-size", "Smallest partition size to consider, in bytes.").Int64()
	targetCurrent = targetCmd.Flag("allow-current", "Allow targeting the currently booted partition.").Bool()

	writeCmd      = app.Command("write", "Write an image to a kernel partition and set it to boot next.")
	writeImage    = writeCmd.Arg("image", "Image file to write.").Required().String()
	writeTarget   = writeCmd.Flag("target", "Partition device to write to instead of choosing one.").String()
	writeNoCommit = writeCmd.Flag("no-prioritize", "Write without making the partition the next boot candidate.").Bool()
	writeCurrent  = writeCmd.Flag("allow-current", "Allow writing over the currently booted partition.").Bool()

	blessCmd       = app.Command("bless", "Mark a kernel partition as successfully booted.")
	blessPartition = blessCmd.Arg("partition", "Partition device to bless instead of the booted one.").String()
	blessBad       = blessCmd.Flag("bad", "Disable the partition instead.").Bool()
	blessOneshot   = blessCmd.Flag("oneshot", "Make the partition bootable only once.").Bool()

	removeCmd   = app.Command("remove", "Disable kernel partitions holding a given image.")
	removeImage = removeCmd.Arg("image", "Image file whose copies should be disabled.").Required().String()
	removeForce = removeCmd.Flag("force", "Allow disabling the currently booted partition.").Bool()

	configCmd     = app.Command("config", "Print an effective configuration value.")
	configKey     = configCmd.Arg("key", "Configuration key to look up.").Required().String()
	configSection = configCmd.Flag("section", "Command section to look the key up in.").String()
	configDefault = configCmd.Flag("default", "Value to print when the key is set nowhere.").String()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger.InitBestEffort(logFlags)

	var err error
	switch command {
	case buildCmd.FullCommand():
		err = runBuild()
	case checkCmd.FullCommand():
		err = runCheck()
	case listCmd.FullCommand():
		err = runList()
	case targetCmd.FullCommand():
		err = runTarget()
	case writeCmd.FullCommand():
		err = runWrite()
	case blessCmd.FullCommand():
		err = runBless()
	case removeCmd.FullCommand():
		err = runRemove()
	case configCmd.FullCommand():
		err = runConfig()
	}

	if err != nil {
		log.Fatalf("depthchargectl %s failed:\n%v", command, err)
	}
}

func loadConfig() (*depthchargectllib.Config, error) {
	return depthchargectllib.LoadConfig(*configPath, depthchargectllib.DefaultConfigDir)
}

func loadBoard(config *depthchargectllib.Config, command string) (*depthchargectllib.BoardProfile, error) {
	codename := *board
	if codename == "" {
		codename = config.Board(command)
	}
	if codename == "" {
		return nil, depthchargectllib.BoardRequiredError
	}

	db, err := depthchargectllib.LoadBoardDatabase(*boardsPath)
	if err != nil {
		return nil, err
	}
	return db.Lookup(codename)
}

func runBuild() error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	boardProfile, err := loadBoard(config, "build")
	if err != nil {
		return err
	}

	compressions := []codec.Kind(nil)
	for _, kind := range *buildCompress {
		compressions = append(compressions, codec.Kind(kind))
	}

	cmdline := *buildCmdline
	if cmdline == "" {
		cmdline = config.KernelCmdline("build")
	}

	timestamp := time.Time{}
	if *buildTimestamp != 0 {
		timestamp = time.Unix(*buildTimestamp, 0)
	} else if epoch := os.Getenv("SOURCE_DATE_EPOCH"); epoch != "" {
		seconds, err := strconv.ParseInt(epoch, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SOURCE_DATE_EPOCH value (%s):\n%w", epoch, err)
		}
		timestamp = time.Unix(seconds, 0)
	}

	_, err = depthchargectllib.BuildImage(depthchargectllib.BuildOptions{
		Board:           boardProfile,
		KernelPath:      *buildKernel,
		InitramfsPaths:  *buildInitramfs,
		DeviceTreePaths: *buildDtbs,
		Compressions:    compressions,
		Cmdline:         cmdline,
		IgnoreInitramfs: config.IgnoreInitramfs("build"),
		KeyblockPath:    config.VbootKeyblock("build"),
		SignPrivatePath: config.VbootPrivateKey("build"),
		Timestamp:       timestamp,
		OutputPath:      *buildOutput,
	})
	return err
}

func runCheck() error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	// The board is optional here; without one only the signature is
	// checked, not the size ceiling.
	boardProfile, err := loadBoard(config, "check")
	if err != nil {
		if !errors.Is(err, depthchargectllib.BoardRequiredError) {
			return err
		}
		boardProfile = nil
	}

	return depthchargectllib.CheckImage(vboot.FutilitySigner{}, *checkImage,
		depthchargectllib.CheckOptions{
			Board:         boardProfile,
			PublicKeyPath: config.VbootPublicKey("check"),
		})
}

func runList() error {
	infos, err := depthchargectllib.ListSlots(partition.CgptEditor{}, *disks)
	if err != nil {
		return err
	}
	return depthchargectllib.WriteSlotTable(os.Stdout, infos)
}

func runTarget() error {
	target, err := depthchargectllib.SelectTargetSlot(partition.CgptEditor{},
		depthchargectllib.TargetOptions{
			DiskPaths:    *disks,
			MinSize:      *targetMinSize,
			AllowCurrent: *targetCurrent,
		})
	if err != nil {
		return err
	}

	fmt.Println(target.DevicePath())
	return nil
}

func runWrite() error {
	gpt := partition.CgptEditor{}

	opts := depthchargectllib.WriteOptions{
		TargetOptions: depthchargectllib.TargetOptions{
			DiskPaths:    *disks,
			AllowCurrent: *writeCurrent,
		},
		NoCommit: *writeNoCommit,
	}

	if *writeTarget != "" {
		target, err := partitionFromDevice(gpt, *writeTarget)
		if err != nil {
			return err
		}
		opts.Target = target
	}

	_, err := depthchargectllib.WriteImage(gpt, *writeImage, opts)
	return err
}

func runBless() error {
	gpt := partition.CgptEditor{}

	var part *partition.KernelPartition
	var err error
	if *blessPartition != "" {
		part, err = partitionFromDevice(gpt, *blessPartition)
		if err != nil {
			return err
		}
	} else {
		bootable, err := partition.BootableDisks(gpt)
		if err != nil {
			return err
		}
		part, err = partition.CurrentSlot(bootable)
		if err != nil {
			return err
		}
		if part == nil {
			return fmt.Errorf("could not identify the currently booted partition")
		}
	}

	if *blessBad {
		return depthchargectllib.Disable(part)
	}
	return depthchargectllib.Commit(part, *blessOneshot)
}

func runConfig() error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	value := config.Value(*configSection, *configKey)
	if value == "" {
		value = *configDefault
	}
	if value == "" {
		return fmt.Errorf("configuration key (%s) is not set", *configKey)
	}

	fmt.Println(value)
	return nil
}

func runRemove() error {
	_, err := depthchargectllib.RemoveImage(partition.CgptEditor{}, *removeImage,
		depthchargectllib.RemoveOptions{
			DiskPaths: *disks,
			Force:     *removeForce,
		})
	return err
}

var partitionDeviceRegex = regexp.MustCompile(`^(.*[^0-9])p?([0-9]+)$`)

// partitionFromDevice splits a partition device path like
// /dev/mmcblk0p2 or /dev/sda2 into its disk and partition number.
func partitionFromDevice(gpt partition.GptEditor, devicePath string) (*partition.KernelPartition, error) {
	match := partitionDeviceRegex.FindStringSubmatch(devicePath)
	if match == nil {
		return nil, fmt.Errorf("cannot parse partition device path (%s)", devicePath)
	}

	number, err := strconv.Atoi(match[2])
	if err != nil {
		return nil, fmt.Errorf("cannot parse partition number in (%s):\n%w", devicePath, err)
	}

	diskPath := match[1]
	if diskPath[len(diskPath)-1] == 'p' {
		diskPath = diskPath[:len(diskPath)-1]
	}

	return partition.NewKernelPartition(partition.NewDisk(diskPath, gpt), number), nil
}
