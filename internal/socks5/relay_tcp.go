package socks5

import (
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// relayBufSize is the relay buffer floor; handle.go's bufPool512
// undershot a comfortable margin, so this pool uses 4 KiB buffers
// instead.
const relayBufSize = 4096

var relayBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, relayBufSize)
		return &b
	},
}

// copyLoop relays bytes bidirectionally between client and target until
// either side hits EOF or an error, crediting counters as it goes. It
// generalizes handle.go's transport() function, swapping
// its ad-hoc two-slot done channel for golang.org/x/sync/errgroup, which
// gives the same "wait for both directions, return the first error"
// behavior with less bookkeeping.
func copyLoop(client, target net.Conn, counters *Counters) error {
	var eg errgroup.Group

	eg.Go(func() error {
		err := copyAccounted(target, client, counters.AddUpload)
		_ = target.Close()
		_ = client.Close()
		return err
	})
	eg.Go(func() error {
		err := copyAccounted(client, target, counters.AddDownload)
		_ = client.Close()
		_ = target.Close()
		return err
	})

	return eg.Wait()
}

// copyAccounted copies src into dst one buffer at a time, crediting
// each read's byte count via credit once the matching write has
// succeeded. Each read's payload is fully written before the next read
// is issued, so writes from the same direction never interleave.
func copyAccounted(dst io.Writer, src io.Reader, credit func(uint64)) error {
	bufPtr := relayBufPool.Get().(*[]byte)
	defer relayBufPool.Put(bufPtr)
	buf := *bufPtr

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			credit(uint64(n))
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}
