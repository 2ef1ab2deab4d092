package libvirt

import (
	"encoding/xml"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"
)

const (
	// MetadataNamespace is the XML namespace of the vmlease metadata element.
	MetadataNamespace = "http://vmlease.cofront.xyz/v1alpha1"

	// MetadataKey is the element prefix libvirt uses for the namespace.
	MetadataKey = "vmlease"
)

// labelMetadata is the custom element stored in the domain XML. Labels are
// kept as YAML text so they stay readable in virsh dumpxml.
type labelMetadata struct {
	XMLName xml.Name `xml:"labels"`
	Xmlns   string   `xml:"xmlns,attr"`
	YAML    string   `xml:",chardata"`
}

type metadataAPI interface {
	DomainSetMetadata(Dom libvirt.Domain, Type int32, Metadata libvirt.OptString, Key libvirt.OptString, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) error
	DomainGetMetadata(Dom libvirt.Domain, Type int32, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) (string, error)
}

// StoreLabels replaces the label metadata on dom.
func StoreLabels(l metadataAPI, dom libvirt.Domain, labels map[string]string) error {
	doc, err := encodeLabels(labels)
	if err != nil {
		return err
	}

	err = l.DomainSetMetadata(
		dom,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{doc},
		libvirt.OptString{MetadataKey},
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil {
		return fmt.Errorf("failed to set domain metadata: %w", err)
	}
	return nil
}

// LoadLabels reads the label metadata from dom. A domain without vmlease
// metadata has no labels.
func LoadLabels(l metadataAPI, dom libvirt.Domain) (map[string]string, error) {
	doc, err := l.DomainGetMetadata(
		dom,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil {
		if hasCode(err, libvirt.ErrNoDomainMetadata) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to get domain metadata: %w", err)
	}
	return decodeLabels(doc)
}

func encodeLabels(labels map[string]string) (string, error) {
	body, err := yaml.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("failed to marshal labels to YAML: %w", err)
	}
	out, err := xml.Marshal(labelMetadata{Xmlns: MetadataNamespace, YAML: string(body)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal label metadata: %w", err)
	}
	return string(out), nil
}

func decodeLabels(doc string) (map[string]string, error) {
	var md labelMetadata
	if err := xml.Unmarshal([]byte(doc), &md); err != nil {
		return nil, fmt.Errorf("failed to parse label metadata: %w", err)
	}
	labels := map[string]string{}
	if err := yaml.Unmarshal([]byte(md.YAML), &labels); err != nil {
		return nil, fmt.Errorf("failed to parse labels YAML: %w", err)
	}
	return labels, nil
}
