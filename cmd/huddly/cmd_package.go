package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Huddly/sdk-sub000/pkg/checksum"
	"github.com/Huddly/sdk-sub000/pkg/fwpkg"
)

var packageCmd = &cobra.Command{
	Use:   "package",
	Short: "Firmware package tools",
}

var packageInspectCmd = &cobra.Command{
	Use:   "inspect [package]",
	Short: "List the files in a firmware package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pkg, err := loadPackage(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Dialect: %s\n", pkg.Dialect())
		if v, err := pkg.Version(); err == nil {
			fmt.Printf("Version: %s\n", v)
		}
		for _, name := range pkg.Names() {
			e, _ := pkg.Entry(name)
			data, err := pkg.Data(name)
			if err != nil {
				return err
			}
			var flash []string
			for _, a := range e.Flash {
				flash = append(flash, fmt.Sprintf("%08x", a))
			}
			fmt.Printf("  %-20s offset %08x size %8d crc32c %08x flash [%s]\n", name, e.Offset, e.Size, checksum.Sum(data), strings.Join(flash, " "))
		}
		return nil
	},
}

var packageVerifyCmd = &cobra.Command{
	Use:   "verify [package]",
	Short: "Check a firmware package's hashes and signature",
	Long: `Checks every file against the manifest. If a public key is configured
(upgrade.public-key), the manifest signature is checked as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pkg, err := loadPackage(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if pkg.Dialect() == fwpkg.DialectLegacy {
			slog.Warn("Legacy packages carry no hashes, only the layout was checked")
		}
		if cfg.Upgrade.PublicKey == "" && pkg.Dialect() == fwpkg.DialectSigned {
			slog.Warn("No public key configured, signature was not checked")
		}
		slog.Info("Package is valid", "files", len(pkg.Names()), "dialect", pkg.Dialect().String())
		return nil
	},
}

var (
	buildVersion string
	buildKey     string
	buildFlash   []string
)

var packageBuildCmd = &cobra.Command{
	Use:   "build [output path] [file...]",
	Short: "Build a signed firmware package",
	Long: `Builds a signed package from files. A file is given as path or as
name=path; its name defaults to the base name of the path.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		flash, err := parseFlash(buildFlash)
		if err != nil {
			return err
		}

		var files []fwpkg.File
		for _, arg := range args[1:] {
			name, path, ok := strings.Cut(arg, "=")
			if !ok {
				name, path = filepath.Base(arg), arg
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			files = append(files, fwpkg.File{Name: name, Data: data, Flash: flash[name]})
			delete(flash, name)
		}
		if len(flash) > 0 {
			return fmt.Errorf("flash addresses given for unknown files %v", slices.Sorted(maps.Keys(flash)))
		}

		var key ed25519.PrivateKey
		if buildKey != "" {
			b, err := os.ReadFile(buildKey)
			if err != nil {
				return err
			}
			key, err = hex.DecodeString(strings.TrimSpace(string(b)))
			if err != nil {
				return fmt.Errorf("invalid key: %w", err)
			}
			if len(key) != ed25519.PrivateKeySize {
				return fmt.Errorf("key must be %d bytes, is %d", ed25519.PrivateKeySize, len(key))
			}
		} else {
			slog.Warn("No key given, package signature will be zero")
		}

		out, err := fwpkg.Build(files, buildVersion, key)
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[0], out, 0644); err != nil {
			return err
		}
		slog.Info("Wrote package", "path", args[0], "files", len(files), "bytes", len(out))
		return nil
	},
}

// parseFlash parses name=addrA,addrB flags.
func parseFlash(flags []string) (map[string][]uint32, error) {
	res := make(map[string][]uint32)
	for _, f := range flags {
		name, addrs, ok := strings.Cut(f, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid flash address %q, want name=slotA,slotB", f)
		}
		for _, a := range strings.Split(addrs, ",") {
			n, err := parseNumber(a)
			if err != nil {
				return nil, fmt.Errorf("flash address of %s: %w", name, err)
			}
			res[name] = append(res[name], n)
		}
	}
	return res, nil
}
