/*
Package connectproxy provides an HTTPS forward proxy that only speaks CONNECT.

Clients reach the proxy over TLS. Inside the TLS session they send a single
HTTP/1.x CONNECT request naming a target host and port. Targets must be on a
whitelist. When the target accepts a TCP connection the proxy answers
"200 OK" and from then on copies bytes in both directions unchanged. The
traffic between client and target is usually TLS too, so the proxy never sees
it in the clear.

	srv, err := connectproxy.NewServer(connectproxy.DefaultOptions().
		WithWhitelist("example.com", "localhost"))
	if err != nil {
		log.Fatal(err)
	}
	log.Fatal(srv.ListenAndServe(":8443"))

Error answers are status lines without a body, after which the connection
is closed:

	400 malformed request, content on a CONNECT, bad target
	403 target not whitelisted
	501 anything but CONNECT
	503 target unreachable

Each connection is served by an event loop and a pipeline of stages. Relays
keep one unit of data in flight per direction, so a slow side slows the other
one down instead of making the proxy buffer. When one side closes, so does
the other.
*/
package connectproxy
