// This file lives in tools/dataset_gen, separate from the bench package.

package main

// dataset_gen.go is a tiny helper utility to generate deterministic key
// datasets for standalone benchmarking of shardmap (outside `go test`). It
// emits newline-separated hex-encoded byte strings (1-255 bytes, per
// spec.md's key-length limit), which can later be passed to load-testers or
// external benchmarking suites.
//
// Usage:
//
//	go run ./tools/dataset_gen -n 1000000 -dist=zipf -seed=42 -out keys.txt
//
// Flags:
//
//	-n       number of keys to generate (default 1e6)
//	-dist    distribution: "uniform" or "zipf" (default uniform)
//	-zipfs   Zipf s parameter (>1)  (default 1.2)
//	-zipfv   Zipf v parameter (>=1) (default 1.0)
//	-keylen  key length in bytes, 1-255 (default 16)
//	-seed    RNG seed (default current time)
//	-out     output file (default stdout)
//
// The program is *embarrassingly simple* but placed under version control so
// that any contributor can regenerate the exact dataset used in performance
// regression hunting.
//
// © 2026 shardmap authors. MIT License.

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"
)

func main() {
	var (
		n       = flag.Int("n", 1_000_000, "number of keys to generate")
		dist    = flag.String("dist", "uniform", "distribution: uniform or zipf")
		zipfS   = flag.Float64("zipfs", 1.2, "zipf s parameter (>1)")
		zipfV   = flag.Float64("zipfv", 1.0, "zipf v parameter (>=1)")
		keylen  = flag.Int("keylen", 16, "key length in bytes, 1-255")
		seedVal = flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
		outPath = flag.String("out", "", "output file (default stdout)")
	)
	flag.Parse()

	if *keylen < 1 || *keylen > 255 {
		fmt.Fprintln(os.Stderr, "keylen must be in [1, 255]")
		os.Exit(1)
	}

	rnd := rand.New(rand.NewSource(*seedVal))

	var gen func() uint64
	switch *dist {
	case "uniform":
		gen = rnd.Uint64
	case "zipf":
		if *zipfS <= 1.0 || *zipfV < 1 {
			fmt.Fprintln(os.Stderr, "zipfs must be >1 and zipfv >=1")
			os.Exit(1)
		}
		z := rand.NewZipf(rnd, *zipfS, *zipfV, ^uint64(0))
		gen = z.Uint64
	default:
		fmt.Fprintln(os.Stderr, "unknown dist:", *dist)
		os.Exit(1)
	}

	var out *os.File
	var err error
	if *outPath == "" {
		out = os.Stdout
	} else {
		out, err = os.Create(*outPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot create file:", err)
			os.Exit(1)
		}
		defer out.Close()
	}

	w := bufio.NewWriterSize(out, 1<<20)
	defer w.Flush()

	key := make([]byte, *keylen)
	for i := 0; i < *n; i++ {
		fillKey(key, gen, rnd)
		fmt.Fprintln(w, hex.EncodeToString(key))
	}
}

// fillKey packs gen()'s 8 bytes repeatedly across key, so short seeds still
// produce keylen-sized, distribution-shaped byte strings rather than
// truncating to 8 bytes.
func fillKey(key []byte, gen func() uint64, rnd *rand.Rand) {
	for off := 0; off < len(key); off += 8 {
		v := gen()
		for b := 0; b < 8 && off+b < len(key); b++ {
			key[off+b] = byte(v >> (8 * b))
		}
	}
	if len(key) > 8 {
		// perturb the tail with independent randomness so repeated gen()
		// values (common under zipf) don't collapse distinct draws into
		// identical keys.
		rnd.Read(key[8:])
	}
}
