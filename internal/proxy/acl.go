package proxy

import (
	"context"
	"fmt"
	"os"

	"github.com/alexjbarnes/swiftauth/internal/authz"
	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
	"gopkg.in/yaml.v3"
)

// ContainerMeta is the authorization-relevant metadata of a container.
type ContainerMeta struct {
	Read    string `yaml:"read"`
	Write   string `yaml:"write"`
	SyncKey string `yaml:"sync_key"`
}

// ACLSource looks up container metadata. A container without metadata
// returns the zero value and no error.
type ACLSource interface {
	ContainerACL(ctx context.Context, account, container string) (ContainerMeta, error)
}

// StaticACLs is an ACLSource backed by a fixed map keyed by
// "<account>/<container>".
type StaticACLs map[string]ContainerMeta

// ContainerACL implements ACLSource.
func (s StaticACLs) ContainerACL(_ context.Context, account, container string) (ContainerMeta, error) {
	return s[account+"/"+container], nil
}

type aclFile struct {
	Containers []struct {
		Account       string `yaml:"account"`
		Container     string `yaml:"container"`
		ContainerMeta `yaml:",inline"`
	} `yaml:"containers"`
}

// LoadACLFile reads container ACLs from a YAML file:
//
//	containers:
//	  - account: AUTH_test
//	    container: public
//	    read: ".r:*,.rlistings"
//	    write: "editors"
//
// Every ACL is cleaned on load, so a bad entry fails startup rather than
// a request.
func LoadACLFile(path string) (StaticACLs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ACL file: %w", err)
	}

	var f aclFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", autherrors.ErrConfig, path, err)
	}

	acls := make(StaticACLs, len(f.Containers))

	for _, c := range f.Containers {
		if c.Account == "" || c.Container == "" {
			return nil, fmt.Errorf("%w: ACL entry needs account and container", autherrors.ErrConfig)
		}

		meta := c.ContainerMeta

		if meta.Read, err = authz.CleanACL("X-Container-Read", meta.Read); err != nil {
			return nil, fmt.Errorf("%w: %s/%s: %w", autherrors.ErrConfig, c.Account, c.Container, err)
		}

		if meta.Write, err = authz.CleanACL("X-Container-Write", meta.Write); err != nil {
			return nil, fmt.Errorf("%w: %s/%s: %w", autherrors.ErrConfig, c.Account, c.Container, err)
		}

		acls[c.Account+"/"+c.Container] = meta
	}

	return acls, nil
}
