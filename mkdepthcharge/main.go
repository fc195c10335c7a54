// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

// Tool to build depthcharge boot images

package main

import (
	"fmt"
	"log"
	"maps"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/kong"

	"github.com/alpernebbi/depthcharge-tools/internal/codec"
	"github.com/alpernebbi/depthcharge-tools/internal/exekong"
	"github.com/alpernebbi/depthcharge-tools/internal/inputs"
	"github.com/alpernebbi/depthcharge-tools/internal/logger"
	"github.com/alpernebbi/depthcharge-tools/pkg/mkdepthchargelib"
)

type MkDepthchargeCmd struct {
	Files []string `arg:"" name:"files" help:"Kernel, initramfs and device-tree files, sorted out by content." type:"existingfile"`

	Output string `name:"output" short:"o" help:"Path to write the image to." required:""`
	Format string `name:"format" help:"Image format to build." enum:"fit,zimage" default:"fit"`
	Arch   string `name:"arch" short:"A" help:"Architecture tag for the packer." enum:"arm,arm64,x86,amd64" default:"arm"`

	Compress string `name:"compress" short:"C" help:"Compression for the kernel inside the image." enum:"none,lz4,lzma" default:"none"`
	Name     string `name:"name" short:"n" help:"Free-text description packed into the image."`

	Cmdline  []string `name:"cmdline" short:"c" help:"Kernel command line fragments, joined in order."`
	KernGuid bool     `name:"kern-guid" help:"Prepend kern_guid=%U to the command line." default:"true" negatable:""`

	KernelStart        string `name:"kernel-start" help:"Memory address the firmware loads the image body at."`
	RamdiskLoadAddress string `name:"ramdisk-load-address" help:"Patch this ramdisk load address instead of editing device trees."`
	FitRamdisk         bool   `name:"fit-ramdisk" help:"Assume the firmware places FIT ramdisks on its own."`
	DtbsTwice          bool   `name:"dtbs-twice" help:"Pack each device tree twice for firmware that consumes them twice."`
	ZimageHack         string `name:"zimage-initramfs-hack" help:"How to keep a zimage ramdisk out of the kernel's relocation area." enum:"none,pad,init-size" default:"pad"`

	Keyblock    string `name:"keyblock" help:"Kernel keyblock file to sign with." default:"/usr/share/vboot/devkeys/kernel.keyblock"`
	Signprivate string `name:"signprivate" help:"Private key file to sign with." default:"/usr/share/vboot/devkeys/kernel_data_key.vbprivk"`

	Timestamp int64 `name:"timestamp" help:"Unix timestamp to build reproducibly at; defaults to $SOURCE_DATE_EPOCH."`

	exekong.LogFlags
}

func main() {
	cli := &MkDepthchargeCmd{}

	vars := kong.Vars{}
	maps.Copy(vars, exekong.KongVars)

	_ = kong.Parse(cli,
		vars,
		kong.HelpOptions{
			Compact:   true,
			FlagsLast: true,
		},
		kong.UsageOnError())

	lf := cli.LogFlags.AsLoggerFlags()
	logger.InitBestEffort(&lf)

	err := buildImage(cli)
	if err != nil {
		log.Fatalf("image build failed:\n%v", err)
	}
}

func buildImage(cli *MkDepthchargeCmd) error {
	classified, err := inputs.Classify(cli.Files)
	if err != nil {
		return err
	}

	kernelStart, err := parseAddress(cli.KernelStart)
	if err != nil {
		return err
	}
	ramdiskAddress, err := parseAddress(cli.RamdiskLoadAddress)
	if err != nil {
		return err
	}

	timestamp := time.Time{}
	if cli.Timestamp != 0 {
		timestamp = time.Unix(cli.Timestamp, 0)
	} else if epoch := os.Getenv("SOURCE_DATE_EPOCH"); epoch != "" {
		seconds, err := strconv.ParseInt(epoch, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SOURCE_DATE_EPOCH value (%s):\n%w", epoch, err)
		}
		timestamp = time.Unix(seconds, 0)
	}

	tempDir, err := os.MkdirTemp("", "mkdepthcharge-")
	if err != nil {
		return fmt.Errorf("failed to create temporary directory:\n%w", err)
	}
	defer os.RemoveAll(tempDir)

	builder := mkdepthchargelib.NewBuilder(tempDir)
	plan := &mkdepthchargelib.BuildPlan{
		Format:             mkdepthchargelib.Format(cli.Format),
		Inputs:             classified,
		Compression:        codec.Kind(cli.Compress),
		Name:               cli.Name,
		Arch:               cli.Arch,
		KernelLoadAddress:  kernelStart,
		RamdiskLoadAddress: ramdiskAddress,
		FitRamdiskSupport:  cli.FitRamdisk,
		DtbDuplication:     cli.DtbsTwice,
		ZimageHack:         mkdepthchargelib.InitramfsHack(cli.ZimageHack),
		Cmdline:            mkdepthchargelib.AssembleCmdline(cli.Cmdline, cli.KernGuid, false),
		KeyblockPath:       cli.Keyblock,
		SignPrivatePath:    cli.Signprivate,
		Timestamp:          timestamp,
		OutputPath:         cli.Output,
	}

	_, err = builder.Build(plan)
	return err
}

// parseAddress accepts plain or hex memory addresses.
func parseAddress(value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}

	addr, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address value (%s):\n%w", value, err)
	}
	return addr, nil
}
