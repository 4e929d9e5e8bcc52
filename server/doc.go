/*
Package server exposes a voxflow operator graph over HTTP and loads the TOML
configuration that sets up its caches, rag defaults and stores.

	POST /api/volume/<name>                      upload an image as volume data
	GET  /api/volume/<name>/info                 shape, dtype and cache block shapes
	GET  /api/volume/<name>/roi/<slice>          raw little-endian voxels of a region
	POST /api/volume/<name>/freeze               {"frozen": true} fixes the cache

	POST /api/labels/<name>                      {"volume": "grayscale", "dtype": "uint32"}
	GET  /api/labels/<name>/roi/<slice>          raw labels of a region
	POST /api/labels/<name>/roi/<slice>          write raw labels into a region
	POST /api/labels/<name>/save/<store>         persist nonzero label blocks
	POST /api/labels/<name>/load/<store>         replace labels with persisted blocks

	POST /api/rag/<labels>/<values>/features     {"features": ["edge_mean", "sp_count"]}
	POST /api/rag/<labels>/<values>/save/<store> persist the adjacency graph

	GET  /api/status                             cache statistics
	GET  /metrics                                prometheus metrics

Regions use the slice notation [t0:t1,c0:c1,x0:x1,y0:y1,z0:z1] where empty endpoints span
the whole axis, e.g., [0:1,:,0:64,0:64,0:1].  Raw replies carry the region and dtype in
the X-Voxflow-Interval and X-Voxflow-Dtype headers.  Feature replies are JSON unless the
request accepts application/vnd.apache.arrow.stream.
*/
package server
