package tsstorage

import "github.com/pkg/errors"

var errIOFailure = errors.New("tsstorage: simulated durability failure")
