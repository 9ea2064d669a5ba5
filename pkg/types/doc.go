/*
Package types defines the data model shared by the chunk cache and the storage
sources that feed it.

# Core Types

ArrayKey names one logical N-dimensional dataset: a record identifier plus a
field name. Everything the cache holds is partitioned by it.

ChunkInfo describes how an array is split into chunks. For every dimension it
lists the length of each chunk in order, so uniform and ragged chunkings share
one representation:

	shape:       (100, 4)
	chunk sizes: ((30, 30, 30, 10), (4,))

ChunkCoordinate selects one chunk per dimension. Coordinates can be mapped to
a row-major linear index through ChunkInfo.Linear and back again.

Selection is a per-dimension read request. Each Selector is either a half-open
range or a scalar index; scalar dimensions are dropped from the result.

# Source Interface

ChunkedArraySource is implemented by every backing store (S3, MinIO, memory).
It reports the shape and chunk layout of an array and materializes one chunk
for a set of per-dimension element ranges.
*/
package types
