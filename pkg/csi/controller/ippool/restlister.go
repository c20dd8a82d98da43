package ippool

import (
	"context"

	"github.com/akam1o/arca-storage/pkg/restclient"
)

// RESTLister implements InUseLister by listing every SVM from the ARCA
// REST Server and filtering by VLAN, since the control plane keeps no
// separate VIP index.
type RESTLister struct {
	rest *restclient.Client
}

// NewRESTLister constructs a RESTLister over rest.
func NewRESTLister(rest *restclient.Client) *RESTLister {
	return &RESTLister{rest: rest}
}

func (l *RESTLister) VIPsInUse(vlanID int) (map[string]bool, error) {
	svms, err := l.rest.ListSVMs(context.Background())
	if err != nil {
		return nil, err
	}
	inUse := make(map[string]bool)
	for _, svm := range svms {
		if svm.VLANID == vlanID && svm.VIP != "" {
			inUse[svm.VIP] = true
		}
	}
	return inUse, nil
}
