// Package srcset produces and caches resized image derivatives of
// content-addressed blobs.
//
// Blobs are identified by the sha256 of their content, written as
// "&<base64>.sha256". For a blob and a target (format, size) pair the
// [Service] decodes the blob, scales it to fit inside a size×size box,
// re-encodes it and publishes it as a file whose name is derived from the
// blob ID, size and format. A metadata cache remembers which derivatives
// exist so repeated requests do no work.
//
// # Quick Start
//
//	blobs, err := local.New("/var/lib/srcset/blobs",
//	    local.WithPeers(httppeer.New("https://peer.example")),
//	)
//	if err != nil {
//	    return err
//	}
//	dir, err := content.New("/var/lib/srcset/derivatives")
//	if err != nil {
//	    return err
//	}
//	svc, err := srcset.New(blobs, dir,
//	    srcset.WithFormat(srcset.FormatWebP),
//	    srcset.WithSizes(300, 600, 1200),
//	)
//	if err != nil {
//	    return err
//	}
//	defer svc.Close()
//
//	d, err := svc.Resize(ctx, "&...=.sha256", 600, srcset.FormatWebP)
//
// # Availability
//
// Source blobs may not be stored locally yet. Rather than blocking, the
// service asks the blob store to fetch the blob from its peers and fails the
// request with [ReasonBlobNotAvailable]. The same request succeeds once the
// blob has arrived.
//
// # Records
//
// [Service.Process] scans a raw record (a social post, blog entry or profile
// update) for image references and produces the configured srcset for each
// one. [Service.Submit] does the same in the background.
package srcset
