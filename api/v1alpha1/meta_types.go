package v1alpha1

// TypeMeta describes the kind and API version of a serialized object.
type TypeMeta struct {
	// APIVersion defines the versioned schema of this representation.
	// +optional
	APIVersion string `json:"apiVersion,omitempty" yaml:"apiVersion,omitempty"`

	// Kind is the object type.
	// +optional
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`
}
