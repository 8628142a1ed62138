package graph

import (
	"path"
	"strings"
)

// Kind classifies an artifact by its path suffix.
type Kind int

const (
	KindResource Kind = iota
	KindService
	KindSchema
	KindTransform
	KindPool
	KindDataSource
	KindFactory
	KindArchive
)

var kindBySuffix = map[string]Kind{
	".svc":     KindService,
	".proxy":   KindService,
	".flow":    KindService,
	".xsd":     KindSchema,
	".wsdl":    KindSchema,
	".xsl":     KindTransform,
	".xq":      KindTransform,
	".pool":    KindPool,
	".ds":      KindDataSource,
	".factory": KindFactory,
	".jar":     KindArchive,
}

// KindForPath infers the artifact kind from the extension of p.
func KindForPath(p string) Kind {
	ext := strings.ToLower(path.Ext(p))
	if k, ok := kindBySuffix[ext]; ok {
		return k
	}
	return KindResource
}

func (k Kind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindSchema:
		return "schema"
	case KindTransform:
		return "transform"
	case KindPool:
		return "pool"
	case KindDataSource:
		return "datasource"
	case KindFactory:
		return "factory"
	case KindArchive:
		return "archive"
	default:
		return "resource"
	}
}

// IsService reports whether units of this kind are top-level services. They
// are validated concurrently and act as roots for TidyOut.
func (k Kind) IsService() bool { return k == KindService }

// IsInfrastructure reports whether the kind describes a shared runtime object
// (pool, datasource, factory) that the deployment layer builds or reuses.
func (k Kind) IsInfrastructure() bool {
	return k == KindPool || k == KindDataSource || k == KindFactory
}

// IsAlwaysLive reports whether units of this kind are resolved by name at
// runtime and therefore never swept.
func (k Kind) IsAlwaysLive() bool { return k == KindPool }
