package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"cowdb"
)

var cli struct {
	Path string `arg:"" help:"Environment directory." type:"existingdir"`
	Dump bool   `help:"Dump all keys of the main database in order."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("cowdb"),
		kong.Description("Inspect a cowdb environment."))

	env, err := cowdb.Open(cli.Path, 0644, &cowdb.Options{ReadOnly: true})
	kctx.FatalIfErrorf(err)
	defer env.Close()

	txn, err := env.Begin(false)
	kctx.FatalIfErrorf(err)
	defer txn.Abort()

	st, err := txn.Stat(cowdb.MainDBI)
	kctx.FatalIfErrorf(err)

	fmt.Printf("Page size:      %d\n", st.PageSize)
	fmt.Printf("Tree depth:     %d\n", st.Depth)
	fmt.Printf("Branch pages:   %d\n", st.BranchPages)
	fmt.Printf("Leaf pages:     %d\n", st.LeafPages)
	fmt.Printf("Overflow pages: %d\n", st.OverflowPages)
	fmt.Printf("Entries:        %d\n", st.Entries)

	if !cli.Dump {
		return
	}

	cur, err := txn.OpenCursor(cowdb.MainDBI)
	kctx.FatalIfErrorf(err)
	defer cur.Close()

	for k, v, err := cur.Get(nil, nil, cowdb.First); ; k, v, err = cur.Get(nil, nil, cowdb.Next) {
		if err != nil {
			break
		}
		if _, werr := fmt.Fprintf(os.Stdout, "%q = %q\n", k, v); werr != nil {
			kctx.FatalIfErrorf(werr)
		}
	}
}
