package voxel

import "errors"

var (
	ErrOutOfBounds = errors.New("voxel: coordinate out of chunk bounds")
	ErrBadPayload  = errors.New("voxel: payload does not fit chunk")
	ErrDisposed    = errors.New("voxel: chunk disposed")
)
