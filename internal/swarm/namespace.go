package swarm

import "strconv"

// Namespace partitions a storage node's key/value space for one account.
type Namespace int

const (
	NamespaceDefault                  Namespace = 0
	NamespaceUserProfile              Namespace = 2
	NamespaceContacts                 Namespace = 3
	NamespaceConvoInfoVolatile        Namespace = 4
	NamespaceUserGroups               Namespace = 5
	NamespaceGroupMessages            Namespace = 11
	NamespaceGroupKeys                Namespace = 12
	NamespaceGroupInfo                Namespace = 13
	NamespaceGroupMembers             Namespace = 14
	NamespaceRevokedRetrievableGroups Namespace = -11
)

// String renders the namespace as its integer tag.
func (n Namespace) String() string {
	return strconv.Itoa(int(n))
}

// Int returns the namespace as a plain int.
func (n Namespace) Int() int {
	return int(n)
}

// signaturePart is the namespace fragment used in signed payloads; the default namespace is omitted.
func (n Namespace) signaturePart() string {
	if n == NamespaceDefault {
		return ""
	}
	return n.String()
}
