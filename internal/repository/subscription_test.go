package repository

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubEndsOnce(t *testing.T) {
	closed := 0
	s := NewSub(func() { closed++ })
	assert.NotEmpty(t, s.ID())

	lost := errors.New("listener dropped")
	s.Fail(lost)
	_ = s.Close()

	<-s.Done()
	assert.ErrorIs(t, s.Err(), lost)
	assert.Equal(t, 1, closed)
}

func TestSubCloseHasNoError(t *testing.T) {
	s := NewSub(nil)
	assert.NoError(t, s.Close())
	<-s.Done()
	assert.NoError(t, s.Err())
}
