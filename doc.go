// Package aluvia provides a local proxy endpoint for automated web
// clients that decides, per request, whether traffic traverses the
// Aluvia gateway or goes direct, based on a hostname rule set that can
// change at runtime without restarting the client.
//
// The routing rules are fetched from the control plane and kept current
// with cheap conditional polls. A block-detection engine scores
// page-load observations supplied by a browser layer and, when a page is
// classified as blocked, feeds the hostname back into the rules so the
// next attempt is routed through the gateway.
//
// Basic usage:
//
//	settings := aluvia.DefaultSettings()
//	settings.API.Key = os.Getenv("ALUVIA_API_KEY")
//
//	client, err := aluvia.NewClient(settings)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx := context.Background()
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop()
//
//	// Point the browser or HTTP client at client.ProxyAddr().
//
// The proxy never terminates TLS: HTTPS traffic is relayed as opaque
// bytes through CONNECT tunnels, either directly to the origin or
// chained through the gateway.
package aluvia
