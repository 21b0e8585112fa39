// Package arn parses provider-native resource identifiers into their
// structural parts. It is a pure function with no I/O.
package arn

import (
	"fmt"
	"strings"
)

// ARN is the decomposed form of a native identifier. Not every field
// is populated by every provider shape; fields the source string
// doesn't carry are left empty.
type ARN struct {
	Raw          string
	Partition    string
	Service      string
	Region       string
	Account      string
	ResourceType string
	ResourceID   string
}

// Parse accepts either an AWS-style ARN
// ("arn:partition:service:region:account:resourceType/resourceId" or
// "...:resourceType:resourceId") or an Azure-style resource ID
// ("/subscriptions/{sub}/resourceGroups/{rg}/providers/{ns}/{type}/{name}").
// GCP and Kubernetes native ids are generally opaque and are returned
// with only Raw and ResourceID populated.
func Parse(nativeID string) (ARN, error) {
	switch {
	case strings.HasPrefix(nativeID, "arn:"):
		return parseAWSARN(nativeID)
	case strings.HasPrefix(nativeID, "/subscriptions/"):
		return parseAzureResourceID(nativeID)
	case nativeID == "":
		return ARN{}, fmt.Errorf("arn: empty native id")
	default:
		return ARN{Raw: nativeID, ResourceID: nativeID}, nil
	}
}

// parseAWSARN handles both "arn:aws:s3:::bucket" (no resource-type
// segment) and "arn:aws:ec2:us-east-1:111111111111:instance/i-abc"
// (slash-delimited resource) and "...:role/name" equivalents, plus the
// colon-delimited variant used by services like IAM
// ("arn:aws:iam::111111111111:role:name" is not standard AWS but some
// adapters normalize to it; support both delimiters defensively).
func parseAWSARN(s string) (ARN, error) {
	parts := strings.SplitN(s, ":", 6)
	if len(parts) < 6 {
		return ARN{}, fmt.Errorf("arn: malformed ARN %q", s)
	}
	a := ARN{
		Raw:       s,
		Partition: parts[1],
		Service:   parts[2],
		Region:    parts[3],
		Account:   parts[4],
	}
	resource := parts[5]
	if idx := strings.IndexAny(resource, "/:"); idx >= 0 {
		a.ResourceType = resource[:idx]
		a.ResourceID = resource[idx+1:]
	} else {
		a.ResourceID = resource
	}
	return a, nil
}

// parseAzureResourceID handles
// "/subscriptions/{sub}/resourceGroups/{rg}/providers/{namespace}/{type}/{name}".
func parseAzureResourceID(s string) (ARN, error) {
	segments := strings.Split(strings.Trim(s, "/"), "/")
	a := ARN{Raw: s, Partition: "azure"}
	for i := 0; i+1 < len(segments); i += 2 {
		key, val := strings.ToLower(segments[i]), segments[i+1]
		switch key {
		case "subscriptions":
			a.Account = val
		case "providers":
			if i+3 < len(segments) {
				a.ResourceType = segments[i+1] + "/" + segments[i+2]
				a.ResourceID = segments[i+3]
				return a, nil
			}
		}
	}
	if a.ResourceID == "" {
		a.ResourceID = segments[len(segments)-1]
	}
	return a, nil
}
