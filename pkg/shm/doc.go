// Package shm provides the page-aligned frame buffer pools shared between the
// camera driver, the vendor imaging library and frame consumers.
//
// A Pool carves one mapping into fixed-stride regions and registers them with
// the driver on creation. Region active flags tell the driver which regions it
// may write into. Pools are instrumented with OpenTelemetry metrics and
// tracing; both default to noop providers.
//
// Example usage:
//
//	pool, err := shm.NewPool(ctx, shm.Options{
//	  Name:       "preview",
//	  Purpose:    shm.PurposePreview,
//	  RegionSize: 480 * 320 * 3 / 2,
//	  Count:      4,
//	  Extra:      2,
//	  Kind:       shm.KindPreview,
//	  Registrar:  driver,
//	})
//	// ...
//	defer pool.Close(ctx)
//
// Platform-specific helpers are in internal/shm.
package shm
