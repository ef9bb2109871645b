package server

import (
	"dsgate/internal/api"
	"dsgate/internal/gwerr"
	"dsgate/internal/models"
	"dsgate/internal/pagination"
)

func toEntityResponse(entity models.Entity, err error) api.EntityResponse {
	resp := api.EntityResponse{Entity: entity}
	if resp.Properties == nil {
		resp.Properties = map[string]any{}
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = gwerr.Code(err)
	}
	return resp
}

// toListResponse maps a page. Items are only presigned when presign is set;
// an item whose presign has settled reports its handle or orphan outcome.
func toListResponse(page pagination.Page, handleErrs map[*pagination.Item]error) api.EntityListResponse {
	resp := api.EntityListResponse{
		Items:         make([]api.EntityResponse, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, item := range page.Items {
		resp.Items = append(resp.Items, toEntityResponse(item.Entity, handleErrs[item]))
	}
	return resp
}
