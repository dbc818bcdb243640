package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pbudner/pulselog/stores"
)

var (
	registered_components = make(map[string]RegisteredComponent)
)

var ErrUnknownComponent = errors.New("pipeline component not defined")

// Dependencies are handed to every component on instantiation.
type Dependencies struct {
	Ingester *Ingester
	Sessions SessionRecorder
}

// SessionRecorder journals sensor sessions. It may be nil.
type SessionRecorder interface {
	Begin(source, remote string) (*stores.Session, error)
	Update(session *stores.Session) error
	Finish(session *stores.Session) error
}

type RegisteredComponent struct {
	Config          interface{}
	InitializerFunc func(interface{}, Dependencies) Component
}

type Component interface {
	Run(*sync.WaitGroup, context.Context)
	Close()
}

// Listener is implemented by components that accept connections. Listen
// binds before Run is started, so a busy address fails startup.
type Listener interface {
	Listen() error
}

func RegisterComponent(name string, config interface{}, initializerFunc func(interface{}, Dependencies) Component) {
	registered_components[name] = RegisteredComponent{
		Config:          config,
		InitializerFunc: initializerFunc,
	}
}

// IsRegistered reports whether a component of that name exists.
func IsRegistered(name string) bool {
	_, found := registered_components[name]
	return found
}

func InstantiateComponent(name string, args map[string]interface{}, deps Dependencies) (Component, error) {
	comp, found := registered_components[name]
	if !found {
		return nil, ErrUnknownComponent
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &comp.Config,
	})

	if err != nil {
		return nil, err
	}

	if err = dec.Decode(args); err != nil {
		return nil, err
	}

	if deps.Sessions == nil {
		deps.Sessions = NopRecorder
	}

	return comp.InitializerFunc(comp.Config, deps), nil
}

// NopRecorder journals nothing.
var NopRecorder SessionRecorder = nopRecorder{}

type nopRecorder struct{}

func (nopRecorder) Begin(source, remote string) (*stores.Session, error) {
	return &stores.Session{Source: source, Remote: remote}, nil
}

func (nopRecorder) Update(*stores.Session) error {
	return nil
}

func (nopRecorder) Finish(*stores.Session) error {
	return nil
}
