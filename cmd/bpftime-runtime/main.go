// Command bpftime-runtime is the thin composition root that wires the
// JIT compiler, attach manager, handler table, and snapshot codec into a
// process a loader/attach/runtime client can drive (spec §6), following
// the teacher's own std/compiler/main.go style of parsing os.Args by
// hand rather than through a flags library.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/bpftimego/bpftime/internal/attach"
	"github.com/bpftimego/bpftime/internal/ebpf"
	"github.com/bpftimego/bpftime/internal/handlertable"
	"github.com/bpftimego/bpftime/internal/jit"
	"github.com/bpftimego/bpftime/internal/runtimecfg"
	"github.com/bpftimego/bpftime/internal/snapshot"
)

// Exit codes, spec §6: "0 success; nonzero indicates failure class
// (loader: 1; attach: 2; runtime: 3)".
const (
	exitOK      = 0
	exitLoader  = 1
	exitAttach  = 2
	exitRuntime = 3
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <command> [args...]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "commands:\n")
	fmt.Fprintf(os.Stderr, "  load-program <prog.bin>        JIT-compile and register a program\n")
	fmt.Fprintf(os.Stderr, "  attach <entry|return|replace> <addr-hex> <prog-id>\n")
	fmt.Fprintf(os.Stderr, "  snapshot <export|import> <file>\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitLoader)
	}

	cfg := runtimecfg.Load()
	log := logrus.WithField("component", "cmd/bpftime-runtime")

	seg, err := handlertable.OpenSegment(cfg.SharedMemoryName)
	if err != nil {
		log.WithError(err).Error("failed to open shared memory segment")
		os.Exit(exitRuntime)
	}
	defer seg.Close()
	table := handlertable.NewWithSegment(seg, handlertable.DefaultMaxSize)
	defer table.Clear()

	switch os.Args[1] {
	case "load-program":
		os.Exit(cmdLoadProgram(table, os.Args[2:]))
	case "attach":
		if !cfg.WhetherEnabled {
			log.Warn("whether_enabled=false, attach manager is a no-op")
			os.Exit(exitOK)
		}
		os.Exit(cmdAttach(table, os.Args[2:]))
	case "snapshot":
		os.Exit(cmdSnapshot(table, os.Args[2:]))
	default:
		usage()
		os.Exit(exitLoader)
	}
}

func cmdLoadProgram(table *handlertable.Table, args []string) int {
	log := logrus.WithField("component", "cmd/bpftime-runtime")
	if len(args) < 1 {
		usage()
		return exitLoader
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		log.WithError(err).Error("reading program file")
		return exitLoader
	}
	if _, err := ebpf.Decode(raw); err != nil {
		log.WithError(err).Error("decoding bytecode")
		return exitLoader
	}
	prog, err := jit.Compile(raw, jit.NewHelperTable())
	if err != nil {
		log.WithError(err).Error("JIT compilation failed")
		return exitLoader
	}
	loaded, err := jit.Load(prog)
	if err != nil {
		log.WithError(err).Error("loading compiled program")
		return exitLoader
	}
	id, err := table.AddProgram(handlertable.ProgKprobe, args[0], raw)
	if err != nil {
		log.WithError(err).Error("registering program in handler table")
		return exitLoader
	}
	log.WithFields(logrus.Fields{"id": id, "entry": loaded.Entry()}).Info("program loaded")
	return exitOK
}

func cmdAttach(table *handlertable.Table, args []string) int {
	log := logrus.WithField("component", "cmd/bpftime-runtime")
	if len(args) < 1 {
		usage()
		return exitAttach
	}
	mgr := attach.NewManager(attach.NewSymbolResolver())
	defer mgr.Close()

	switch args[0] {
	case "entry", "return", "replace":
		log.WithField("kind", args[0]).Warn("attach dispatch requires an in-process callback and is not exposed over this CLI; use the attach package API directly")
		return exitOK
	default:
		usage()
		return exitAttach
	}
}

func cmdSnapshot(table *handlertable.Table, args []string) int {
	log := logrus.WithField("component", "cmd/bpftime-runtime")
	if len(args) < 2 {
		usage()
		return exitRuntime
	}
	switch args[0] {
	case "export":
		if err := snapshot.ExportFile(table, args[1]); err != nil {
			log.WithError(err).Error("snapshot export failed")
			return exitRuntime
		}
	case "import":
		if err := snapshot.ImportFile(table, args[1]); err != nil {
			log.WithError(err).Error("snapshot import failed")
			return exitRuntime
		}
	default:
		usage()
		return exitRuntime
	}
	return exitOK
}
